package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyperstacker/internal/models"
	"hyperstacker/pkg/config"
	"hyperstacker/pkg/engine/local"
	"hyperstacker/pkg/serpentine"
)

const tileW, tileH = 6, 4

// pixel encodes where a raw frame came from.
func pixel(fov, ch, z int) uint16 {
	return uint16(fov*100 + ch*10 + z + 1)
}

func writeRawExperiment(t *testing.T, root string, fovs, channels, slices int) {
	t.Helper()
	raw := filepath.Join(root, RawDirName)
	require.NoError(t, os.MkdirAll(raw, 0755))
	for fov := 0; fov < fovs; fov++ {
		for ch := 0; ch < channels; ch++ {
			for z := 0; z < slices; z++ {
				img := image.NewGray16(image.Rect(0, 0, tileW, tileH))
				for y := 0; y < tileH; y++ {
					for x := 0; x < tileW; x++ {
						img.SetGray16(x, y, color.Gray16{Y: pixel(fov, ch, z)})
					}
				}
				name := fmt.Sprintf("Exp_Bottom Slide_R_p00_z%02d_0_A00f%02dd%d.tif", z, fov, ch)
				_, err := local.WritePlane(filepath.Join(raw, name), img)
				require.NoError(t, err)
			}
		}
	}
}

// testConfig describes a 2x2 grid stitched one row at a time.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Channels = []models.ChannelColor{models.Red, models.Green, models.Unset, models.Unset, models.Unset}
	cfg.Grid.Columns = 2
	cfg.Grid.TotalRows = 2
	cfg.Grid.RowsPerPartition = 1
	cfg.Grid.RowsInLastPartition = 1
	cfg.Grid.TileOverlapPercent = 0
	return cfg
}

func newPipeline(t *testing.T, cfg *config.Config, out io.Writer) *Pipeline {
	t.Helper()
	require.NoError(t, cfg.Validate())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(&Params{
		Config:    cfg,
		Store:     local.NewStore(logger),
		Stitcher:  &local.Stitcher{Logger: logger},
		Projector: local.Projector{},
		RunID:     "test-run",
		Out:       out,
		Logger:    logger,
	})
}

func TestLayout(t *testing.T) {
	dirs := Layout("/data/exp", "")
	assert.Equal(t, "/data/exp/Raw Images", dirs.Raw)
	assert.Equal(t, "/data/exp/Raw Images_Merged", dirs.Merged)
	assert.Equal(t, "/data/exp/Raw Images_Stitched", dirs.Stitched)
	assert.Equal(t, "/data/exp/Processed Images for Analysis", dirs.Processed)

	assert.Equal(t, "/data/exp/Raw Images_Hyperstacks", Layout("/data/exp", "_Hyperstacks").Merged)
}

func TestProcessWholeExperiment(t *testing.T) {
	root := t.TempDir()
	writeRawExperiment(t, root, 4, 2, 2)

	var out bytes.Buffer
	sum, err := newPipeline(t, testConfig(), &out).Process(context.Background(), root, AllSteps)
	require.NoError(t, err)
	dirs := Layout(root, "_Merged")

	require.NotNil(t, sum.Merge)
	assert.Len(t, sum.Merge.Volumes, 4)
	assert.Equal(t, 16, sum.Merge.ImagesOpened)

	require.NotNil(t, sum.Manifest)
	assert.Equal(t, "test-run", sum.Manifest.RunID)
	assert.FileExists(t, filepath.Join(dirs.Merged, serpentine.ManifestName))
	for i := 0; i < 4; i++ {
		assert.FileExists(t, filepath.Join(dirs.Merged, fmt.Sprintf("Image_%d.tif", i)))
		assert.NoFileExists(t, filepath.Join(dirs.Merged, fmt.Sprintf("FOV_%d.tif", i)))
	}

	require.Len(t, sum.Bands, 2)
	assert.Equal(t, filepath.Join(dirs.Stitched, "Row_01_01.tif"), sum.Bands[0].Path)
	assert.Equal(t, filepath.Join(dirs.Stitched, "Row_02_02.tif"), sum.Bands[1].Path)
	assert.NoDirExists(t, filepath.Join(dirs.Stitched, workDirName))

	// Second row is acquired right to left, so FOV 3 sits under FOV 0.
	band, err := local.ReadVolume(sum.Bands[1].Path)
	require.NoError(t, err)
	assert.Equal(t, 2*tileW, band.Width)
	assert.Equal(t, 2, band.Slices)
	require.Len(t, band.Channels, 2)
	assert.Equal(t, models.Red, band.Channels[0].Color)
	assert.Equal(t, models.Green, band.Channels[1].Color)
	assert.Equal(t, pixel(3, 0, 0), band.Plane(0, 0).Gray16At(0, 0).Y)
	assert.Equal(t, pixel(2, 1, 1), band.Plane(1, 1).Gray16At(tileW, 0).Y)

	require.NotNil(t, sum.Projection)
	require.Len(t, sum.Projection.Outputs, 2)
	proj, err := local.ReadVolume(filepath.Join(dirs.Processed, "MAX_Row_02_02.tif"))
	require.NoError(t, err)
	assert.Equal(t, 1, proj.Slices)
	assert.Equal(t, pixel(3, 0, 1), proj.Plane(0, 0).Gray16At(0, 0).Y)
	assert.Equal(t, pixel(2, 1, 1), proj.Plane(0, 1).Gray16At(tileW, 0).Y)

	text := out.String()
	for _, line := range []string{
		"Step 1: Merging raw images into FOV hyperstacks...",
		"Step 4: Projecting stitched images...",
		"FOV completed: 4/4",
		"Images processed: 16",
		"Images stitched: 2",
		"Image processed: Row_01_01.tif",
		"Total run time (min):",
	} {
		assert.Contains(t, text, line)
	}

	names := make([]string, len(sum.Steps))
	for i, s := range sum.Steps {
		names[i] = s.Name
	}
	assert.Equal(t, []string{"merge", "rename", "stitch", "project"}, names)
}

func TestProcessSelectedSteps(t *testing.T) {
	root := t.TempDir()
	writeRawExperiment(t, root, 4, 2, 1)

	var out bytes.Buffer
	sum, err := newPipeline(t, testConfig(), &out).Process(context.Background(), root, Steps{Merge: true})
	require.NoError(t, err)
	assert.Len(t, sum.Steps, 1)
	assert.Nil(t, sum.Manifest)
	assert.FileExists(t, filepath.Join(root, "Raw Images_Merged", "FOV_3.tif"))
	assert.NoDirExists(t, filepath.Join(root, StitchedDirName))
}

func TestProjectionDisabled(t *testing.T) {
	root := t.TempDir()
	writeRawExperiment(t, root, 4, 1, 1)
	cfg := testConfig()
	cfg.Channels = []models.ChannelColor{models.Gray}
	cfg.Projection.Enabled = false

	sum, err := newPipeline(t, cfg, nil).Process(context.Background(), root, AllSteps)
	require.NoError(t, err)
	assert.Nil(t, sum.Projection)
	assert.Len(t, sum.Bands, 2)
	assert.NoDirExists(t, filepath.Join(root, ProcessedDirName))
}

func TestMergeRejectsSparseCatalog(t *testing.T) {
	root := t.TempDir()
	writeRawExperiment(t, root, 2, 2, 2)
	require.NoError(t, os.Remove(filepath.Join(root, RawDirName, "Exp_Bottom Slide_R_p00_z01_0_A00f01d1.tif")))

	_, err := newPipeline(t, testConfig(), nil).Process(context.Background(), root, AllSteps)
	assert.Error(t, err)
	assert.NoDirExists(t, filepath.Join(root, "Raw Images_Merged"))
}

func TestMergeEmptyRawDir(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, RawDirName), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, RawDirName, "notes.tif"), nil, 0644))

	_, err := newPipeline(t, testConfig(), nil).Process(context.Background(), root, AllSteps)
	assert.ErrorContains(t, err, "no frames found")
}

func TestRenameGapIsReported(t *testing.T) {
	dir := t.TempDir()
	for _, i := range []int{0, 1, 3} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("FOV_%d.tif", i)), nil, 0644))
	}

	_, err := newPipeline(t, testConfig(), nil).Rename(dir)
	var gap *serpentine.PermutationGapError
	require.ErrorAs(t, err, &gap)
	assert.Equal(t, 2, gap.Index)
	assert.FileExists(t, filepath.Join(dir, "FOV_0.tif"))
}

func TestCountTiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"FOV_0.tif", "FOV_9.tif", "FOV_9.tif.yaml", "FOV_x.tif", "Image_12.tif"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	n, err := CountTiles(dir, "FOV_", ".tif")
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	_, err = CountTiles(filepath.Join(dir, "missing"), "FOV_", ".tif")
	assert.Error(t, err)
}
