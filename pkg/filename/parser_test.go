package filename

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		fov     int
		channel int
		slice   int
		digits  int
	}{
		{"two digit fov", "ExperimentName_Bottom Slide_R_p00_z00_0_A00f00d0.tif", 0, 0, 0, 2},
		{"three digit fov", "Exp_R_p00_z12_0_A01f123d4.tif", 123, 4, 12, 3},
		{"full path", "/data/Raw Images/Exp_R_p00_z03_0_A00f07d2.TIF", 7, 2, 3, 2},
		{"underscores in prefix", "My_Long_Exp_Name_M_p01_z09_1_A02f99d1.tiff", 99, 1, 9, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Parse(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.fov, n.FOV)
			assert.Equal(t, tt.channel, n.Channel)
			assert.Equal(t, tt.slice, n.Slice)
			assert.Equal(t, tt.digits, n.FOVDigits)
		})
	}
}

func TestParseMalformed(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		reason string
	}{
		{"no delimiter", "random_image.tif", "missing _p<NN> delimiter"},
		{"no slice", "Exp_R_p00_0_A00f00d0.tif", "missing _z<SS> slice delimiter"},
		{"one digit slice", "Exp_R_p00_z1_0_A00f00d0.tif", "slice token is not two digits"},
		{"no field marker", "Exp_R_p00_z01_0_A0000d0.tif", "missing f field-of-view marker"},
		{"four digit fov", "Exp_R_p00_z01_0_A00f1234d0.tif", "field of view is not 2-3 digits between f and d"},
		{"channel out of range", "Exp_R_p00_z01_0_A00f12d7.tif", "channel 7 exceeds imager maximum 4"},
		{"merged output", "FOV_12.tif", "missing _p<NN> delimiter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			require.Error(t, err)

			var malformed *MalformedFilenameError
			require.True(t, errors.As(err, &malformed))
			assert.Equal(t, tt.reason, malformed.Reason)
		})
	}
}

func TestFormatRoundTrip(t *testing.T) {
	names := []string{
		"ExperimentName_Bottom Slide_R_p00_z00_0_A00f00d0.tif",
		"Exp_R_p00_z12_0_A01f123d4.tif",
		"Exp_R_p03_z07_2_A05f040d3.tif",
		"Exp_R_p00_z99_0_A00f09d1.tiff",
	}
	for _, name := range names {
		n, err := Parse(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, Format(n))

		again, err := Parse(Format(n))
		require.NoError(t, err)
		assert.Equal(t, n, again)
	}
}

func TestParseFrame(t *testing.T) {
	f, err := ParseFrame("/raw/Exp_R_p00_z02_0_A00f15d1.tif")
	require.NoError(t, err)
	assert.Equal(t, "/raw/Exp_R_p00_z02_0_A00f15d1.tif", f.SourcePath)
	assert.Equal(t, 15, f.FOV)
	assert.Equal(t, 1, f.Channel)
	assert.Equal(t, 2, f.Slice)
}
