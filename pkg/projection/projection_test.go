package projection

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyperstacker/internal/models"
	"hyperstacker/pkg/engine"
	"hyperstacker/pkg/engine/enginetest"
	"hyperstacker/pkg/engine/local"
)

func TestDirProjectsVolumesOnly(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "Processed Images for Analysis")
	for _, name := range []string{"Row_06_10.tif", "Row_01_05.tif", "Row_01_05.tif.yaml", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(src, name), []byte(name), 0644))
	}

	proj := &enginetest.Projector{}
	var out bytes.Buffer
	res, err := Dir(context.Background(), src, dst, Options{Projector: proj, Out: &out})
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(dst, "MAX_Row_01_05.tif"),
		filepath.Join(dst, "MAX_Row_06_10.tif"),
	}, res.Outputs)
	assert.Len(t, proj.Calls, 2)
	assert.Contains(t, out.String(), "Image processed: Row_01_05.tif\n")
	assert.Contains(t, out.String(), "Processing time (min):")
}

func TestDirProjectorFailure(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.tif"), nil, 0644))

	_, err := Dir(context.Background(), src, t.TempDir(), Options{Projector: failing{}})
	var ee *engine.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "project", ee.Op)
}

type failing struct{}

func (failing) ProjectMax(context.Context, string, string) error { return errors.New("no memory") }

func TestDirWithLocalEngineAndPreview(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	vol := models.NewVolume(4, 4, 2, []models.VolumeChannel{{Channel: 0, Color: models.Red}, {Channel: 1, Color: models.Blue}})
	_, err := local.WriteVolume(filepath.Join(src, "FOV_0.tif"), vol)
	require.NoError(t, err)

	res, err := Dir(context.Background(), src, dst, Options{Projector: local.Projector{}, Preview: true})
	require.NoError(t, err)
	require.Len(t, res.Outputs, 1)

	got, err := local.ReadVolume(res.Outputs[0])
	require.NoError(t, err)
	assert.Equal(t, 1, got.Slices)
	assert.Len(t, got.Channels, 2)
	assert.FileExists(t, filepath.Join(dst, "MAX_FOV_0.jpg"))
}
