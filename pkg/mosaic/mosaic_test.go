package mosaic

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyperstacker/internal/models"
	"hyperstacker/pkg/engine"
	"hyperstacker/pkg/engine/enginetest"
)

func TestPlanEvenRows(t *testing.T) {
	parts, err := Plan(80, 5, 5, 7)
	require.NoError(t, err)
	require.Len(t, parts, 16)

	assert.Equal(t, "Row_01_05", parts[0].Label)
	assert.Equal(t, "Row_06_10", parts[1].Label)
	assert.Equal(t, "Row_76_80", parts[15].Label)
	assert.Equal(t, 35, parts[1].FirstIndex)
	assert.Equal(t, 525, parts[15].FirstIndex)
	assert.Equal(t, 559, parts[15].LastIndex())
}

func TestPlanUnevenLastPartition(t *testing.T) {
	parts, err := Plan(51, 5, 6, 7)
	require.NoError(t, err)
	require.Len(t, parts, 10)

	last := parts[9]
	assert.Equal(t, 6, last.Rows)
	assert.Equal(t, 45, last.StartRow)
	assert.Equal(t, 315, last.FirstIndex)
	assert.Equal(t, "Row_46_51", last.Label)
	assert.NoError(t, CheckCoverage(parts, 51))
}

func TestPlanZeroLastMeansUniform(t *testing.T) {
	parts, err := Plan(10, 5, 0, 4)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, 5, parts[1].Rows)
}

func TestPlanSingleBand(t *testing.T) {
	parts, err := Plan(6, 5, 6, 7)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, 0, parts[0].FirstIndex)
	assert.Equal(t, "Row_01_06", parts[0].Label)
}

func TestPlanMismatch(t *testing.T) {
	tests := []struct {
		name                  string
		total, rows, last, co int
	}{
		{"remainder", 52, 5, 6, 7},
		{"last taller than grid", 4, 5, 6, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Plan(tt.total, tt.rows, tt.last, tt.co)
			var pm *PartitionMismatchError
			require.True(t, errors.As(err, &pm), "got %v", err)
			assert.Equal(t, tt.total, pm.TotalRows)
			assert.NotEqual(t, tt.total, pm.Covered)
		})
	}
}

func TestPlanRejectsNonPositive(t *testing.T) {
	_, err := Plan(10, 0, 5, 7)
	assert.Error(t, err)
	_, err = Plan(10, 5, 5, 0)
	assert.Error(t, err)
}

func TestPlanCoverageProperty(t *testing.T) {
	for total := 1; total <= 40; total++ {
		for h := 1; h <= 8; h++ {
			for last := 1; last <= 8; last++ {
				parts, err := Plan(total, h, last, 3)
				if err != nil {
					continue
				}
				sum := 0
				seen := map[int]bool{}
				for _, p := range parts {
					sum += p.Rows
					for tile := p.FirstIndex; tile <= p.LastIndex(); tile++ {
						require.False(t, seen[tile], "tile %d in two partitions", tile)
						seen[tile] = true
					}
				}
				assert.Equal(t, total, sum)
				assert.Len(t, seen, total*3)
			}
		}
	}
}

func TestCheckCoverageOverlap(t *testing.T) {
	parts := []Partition{
		{FirstIndex: 0, Rows: 2, Columns: 3, Label: "Row_01_02"},
		{FirstIndex: 3, Rows: 2, Columns: 3, Label: "Row_02_03"},
	}
	var pm *PartitionMismatchError
	assert.True(t, errors.As(CheckCoverage(parts, 4), &pm))
}

func TestFirstIndices(t *testing.T) {
	idx, err := ParseFirstIndices(" 0,35, 70 ,")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 35, 70}, idx)

	_, err = ParseFirstIndices("0,x")
	assert.Error(t, err)

	parts, err := Plan(15, 5, 5, 7)
	require.NoError(t, err)
	assert.NoError(t, CheckFirstIndices(parts, nil))
	assert.NoError(t, CheckFirstIndices(parts, []int{0, 35, 70}))

	var pm *PartitionMismatchError
	assert.True(t, errors.As(CheckFirstIndices(parts, []int{0, 35}), &pm))
	assert.True(t, errors.As(CheckFirstIndices(parts, []int{0, 36, 70}), &pm))
	assert.Contains(t, pm.Reason, "Row_06_10")
}

func newRunner(t *testing.T, stitcher *enginetest.Stitcher, store *enginetest.Store, out *bytes.Buffer) (*Runner, string) {
	t.Helper()
	dir := t.TempDir()
	var w io.Writer
	if out != nil {
		w = out
	}
	return NewRunner(RunnerConfig{
		Stitcher:       stitcher,
		Store:          store,
		Colors:         []models.ChannelColor{models.Red, models.Green, models.Blue},
		TileDir:        filepath.Join(dir, "merged"),
		OverlapPercent: 20,
		WorkDir:        filepath.Join(dir, "work"),
		OutputDir:      filepath.Join(dir, "stitched"),
		Out:            w,
	}), dir
}

func TestRunnerStitchesAndLabels(t *testing.T) {
	stitcher := &enginetest.Stitcher{Slices: 3, Channels: 3}
	store := enginetest.NewStore()
	store.WriteFiles = true
	var out bytes.Buffer
	r, dir := newRunner(t, stitcher, store, &out)

	parts, err := Plan(11, 5, 6, 7)
	require.NoError(t, err)
	bands, err := r.Run(context.Background(), parts)
	require.NoError(t, err)
	require.Len(t, bands, 2)

	require.Len(t, stitcher.Specs, 2)
	assert.Equal(t, engine.GridSpec{
		Dir:            filepath.Join(dir, "merged"),
		FilePattern:    "Image_{i}.tif",
		FirstIndex:     35,
		Columns:        7,
		Rows:           6,
		OverlapPercent: 20,
		OutputDir:      filepath.Join(dir, "work"),
	}, stitcher.Specs[1])

	assert.Equal(t, filepath.Join(dir, "stitched", "Row_01_05.tif"), bands[0].Path)
	assert.FileExists(t, bands[0].Path)
	assert.FileExists(t, filepath.Join(dir, "stitched", "Row_06_11.tif"))
	assert.NoFileExists(t, filepath.Join(dir, "stitched", "Row_1.tif"))
	assert.Equal(t, 9, bands[1].Planes)

	work, err := os.ReadDir(filepath.Join(dir, "work"))
	require.NoError(t, err)
	assert.Empty(t, work, "intermediate planes are removed")

	require.Len(t, store.Merges, 2)
	layers := store.Merges[0].Layers
	require.Len(t, layers, 3)
	assert.Equal(t, "Stack_Red", layers[0].Title)
	assert.Equal(t, "Blue", layers[2].Color)
	assert.Equal(t, []string{"img_t1_z1_c1", "img_t1_z2_c1", "img_t1_z3_c1"}, store.Stacks[0].Planes)
	assert.Empty(t, store.Held())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[1], "Images stitched: 2 (Row_06_11)"))
}

func TestRunnerSingleChannelKeepsStack(t *testing.T) {
	stitcher := &enginetest.Stitcher{Slices: 2, Channels: 1}
	store := enginetest.NewStore()
	store.WriteFiles = true
	r, _ := newRunner(t, stitcher, store, nil)

	parts, err := Plan(5, 5, 5, 2)
	require.NoError(t, err)
	_, err = r.Run(context.Background(), parts)
	require.NoError(t, err)
	assert.Empty(t, store.Merges)
	require.Len(t, store.Saves, 1)
	assert.Equal(t, "Stack_Red", store.Saves[0].Title)
}

func TestRunnerStitchFailure(t *testing.T) {
	stitcher := &enginetest.Stitcher{Err: errors.New("out of memory")}
	store := enginetest.NewStore()
	r, _ := newRunner(t, stitcher, store, nil)

	parts, err := Plan(10, 5, 5, 7)
	require.NoError(t, err)
	bands, err := r.Run(context.Background(), parts)
	assert.Empty(t, bands)

	var ee *engine.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, "stitch", ee.Op)
	assert.Contains(t, err.Error(), "Row_01_05")
}

func TestRunnerOpenFailureCleansUp(t *testing.T) {
	stitcher := &enginetest.Stitcher{Slices: 2, Channels: 2}
	store := enginetest.NewStore()
	store.OpenErr["img_t1_z2_c2"] = errors.New("truncated")
	r, dir := newRunner(t, stitcher, store, nil)

	parts, err := Plan(5, 5, 5, 2)
	require.NoError(t, err)
	_, err = r.Run(context.Background(), parts)

	var ee *engine.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 2, ee.Channel)
	assert.Empty(t, store.Held())

	work, rerr := os.ReadDir(filepath.Join(dir, "work"))
	require.NoError(t, rerr)
	assert.Empty(t, work)
}
