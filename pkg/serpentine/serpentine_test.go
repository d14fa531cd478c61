package serpentine

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"hyperstacker/internal/models"
)

func horizontal(cols, rows int) Analytic {
	return Analytic{Columns: cols, Rows: rows, Corner: models.TopLeft, Direction: models.Horizontal, Pattern: models.Serpentine}
}

func TestSmallGridMatchesHandTable(t *testing.T) {
	p, err := horizontal(3, 2).Permutation(6)
	require.NoError(t, err)
	assert.Equal(t, Permutation{0, 1, 2, 5, 4, 3}, p)
}

func TestSevenByFiveRows(t *testing.T) {
	a := horizontal(7, 5)
	p, err := a.Permutation(35)
	require.NoError(t, err)
	require.NoError(t, p.Validate())

	for row := 0; row < 5; row++ {
		for k := 0; k < 7; k++ {
			want := row*7 + k
			if row%2 == 1 {
				want = row*7 + 6 - k
			}
			assert.Equal(t, want, p[row*7+k], "row %d step %d", row, k)
		}
	}
}

func TestCornersAndDirections(t *testing.T) {
	tests := []struct {
		name string
		a    Analytic
		want Permutation
	}{
		{
			name: "raster top left",
			a:    Analytic{Columns: 3, Rows: 2, Corner: models.TopLeft, Pattern: models.Raster},
			want: Permutation{0, 1, 2, 3, 4, 5},
		},
		{
			name: "serpentine top right",
			a:    Analytic{Columns: 3, Rows: 2, Corner: models.TopRight, Pattern: models.Serpentine},
			want: Permutation{2, 1, 0, 3, 4, 5},
		},
		{
			name: "serpentine bottom left",
			a:    Analytic{Columns: 3, Rows: 2, Corner: models.BottomLeft, Pattern: models.Serpentine},
			want: Permutation{3, 4, 5, 2, 1, 0},
		},
		{
			name: "vertical serpentine top left",
			a:    Analytic{Columns: 3, Rows: 2, Corner: models.TopLeft, Direction: models.Vertical, Pattern: models.Serpentine},
			want: Permutation{0, 3, 4, 1, 2, 5},
		},
		{
			name: "vertical raster bottom right",
			a:    Analytic{Columns: 2, Rows: 2, Corner: models.BottomRight, Direction: models.Vertical, Pattern: models.Raster},
			want: Permutation{3, 1, 2, 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.a.Permutation(len(tt.want))
			require.NoError(t, err)
			assert.Equal(t, tt.want, p)
		})
	}
}

func TestAnalyticIsAlwaysBijection(t *testing.T) {
	for _, corner := range []models.ScanCorner{models.TopLeft, models.TopRight, models.BottomLeft, models.BottomRight} {
		for _, dir := range []models.ScanDirection{models.Horizontal, models.Vertical} {
			for _, pat := range []models.ScanPattern{models.Serpentine, models.Raster} {
				a := Analytic{Columns: 7, Rows: 4, Corner: corner, Direction: dir, Pattern: pat}
				p, err := a.Permutation(28)
				require.NoError(t, err)
				assert.NoError(t, p.Validate(), a.Describe())
			}
		}
	}
}

func TestGeometryMismatch(t *testing.T) {
	_, err := horizontal(7, 5).Permutation(34)
	var ge *GeometryError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, 34, ge.Tiles)
}

func TestValidateReportsDefects(t *testing.T) {
	err := Permutation{0, 2, 2, 7}.Validate()
	var be *BijectionError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, []int{2}, be.Duplicates)
	assert.Equal(t, []int{1, 3}, be.Missing)
	assert.Equal(t, []int{7}, be.OutOfRange)
}

func TestInverse(t *testing.T) {
	p := Permutation{0, 1, 2, 5, 4, 3}
	inv := p.Inverse()
	for acq, target := range p {
		assert.Equal(t, acq, inv[target])
	}
	q := Permutation{2, 0, 1}
	assert.Equal(t, Permutation{1, 2, 0}, q.Inverse())
}

func TestPresetIsBijection(t *testing.T) {
	assert.Contains(t, Presets(), "ibidi-7x80-vertical")

	tbl, err := LoadTable("ibidi-7x80-vertical")
	require.NoError(t, err)
	assert.Equal(t, 7, tbl.Columns)
	assert.Equal(t, 80, tbl.Rows)

	p, err := tbl.Permutation(560)
	require.NoError(t, err)
	assert.Equal(t, 0, p[0])

	_, err = tbl.Permutation(559)
	assert.Error(t, err)
}

func TestTableFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "grid.yaml")
	p, err := horizontal(7, 5).Permutation(35)
	require.NoError(t, err)

	require.NoError(t, SaveTable(file, "custom", 7, 5, p))
	tbl, err := LoadTable(file)
	require.NoError(t, err)
	got, err := tbl.Permutation(35)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestTableRejectsDuplicate(t *testing.T) {
	tbl, err := ParseTable([]byte("name: bad\nentries:\n  - [0, 1, 1]\n"))
	require.NoError(t, err)
	_, err = tbl.Permutation(3)
	var be *BijectionError
	assert.True(t, errors.As(err, &be))
}

func TestUnknownPreset(t *testing.T) {
	_, err := LoadTable("no-such-layout")
	assert.ErrorContains(t, err, "ibidi-7x80-vertical")
}

func writeTiles(t *testing.T, dir string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		name := filepath.Join(dir, "FOV_"+strconv.Itoa(i)+".tif")
		require.NoError(t, os.WriteFile(name, []byte(strconv.Itoa(i)), 0o644))
	}
}

func renameOpts(dir string) RenameOptions {
	return RenameOptions{Dir: dir, FromPrefix: "FOV_", ToPrefix: "Image_", Ext: ".tif", RunID: "test"}
}

func TestApplyRenames(t *testing.T) {
	dir := t.TempDir()
	writeTiles(t, dir, 6)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "FOV_3.tif.yaml"), []byte("sidecar"), 0o644))

	m, err := Apply(Permutation{0, 1, 2, 5, 4, 3}, renameOpts(dir))
	require.NoError(t, err)
	assert.Len(t, m.Moves, 7)

	data, err := os.ReadFile(filepath.Join(dir, "Image_5.tif"))
	require.NoError(t, err)
	assert.Equal(t, "3", string(data))
	assert.FileExists(t, filepath.Join(dir, "Image_5.tif.yaml"))
	assert.NoFileExists(t, filepath.Join(dir, "FOV_3.tif"))

	raw, err := os.ReadFile(filepath.Join(dir, ManifestName))
	require.NoError(t, err)
	var saved Manifest
	require.NoError(t, yaml.Unmarshal(raw, &saved))
	assert.Equal(t, "test", saved.RunID)
	assert.Len(t, saved.Moves, 7)
}

func TestApplyMissingSource(t *testing.T) {
	dir := t.TempDir()
	writeTiles(t, dir, 6)
	require.NoError(t, os.Remove(filepath.Join(dir, "FOV_4.tif")))

	_, err := Apply(Permutation{0, 1, 2, 5, 4, 3}, renameOpts(dir))
	var gap *PermutationGapError
	require.True(t, errors.As(err, &gap))
	assert.Equal(t, 4, gap.Index)

	// Nothing moved.
	assert.FileExists(t, filepath.Join(dir, "FOV_0.tif"))
	assert.NoFileExists(t, filepath.Join(dir, ManifestName))
}

func TestApplyRejectsExtraSources(t *testing.T) {
	dir := t.TempDir()
	writeTiles(t, dir, 7)
	_, err := Apply(Permutation{0, 1, 2, 5, 4, 3}, renameOpts(dir))
	assert.ErrorContains(t, err, "FOV_6.tif")
}

func TestApplyRejectsExistingDestination(t *testing.T) {
	dir := t.TempDir()
	writeTiles(t, dir, 2)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Image_1.tif"), nil, 0o644))
	_, err := Apply(Permutation{0, 1}, renameOpts(dir))
	assert.ErrorContains(t, err, "already exists")
}

func TestApplyRejectsSamePrefix(t *testing.T) {
	opts := renameOpts(t.TempDir())
	opts.ToPrefix = opts.FromPrefix
	_, err := Apply(Permutation{0}, opts)
	assert.Error(t, err)
}
