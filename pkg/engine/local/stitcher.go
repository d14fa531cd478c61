package local

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/image/draw"

	"hyperstacker/internal/models"
	"hyperstacker/pkg/engine"
)

// Stitcher places the tiles of a grid at their nominal overlap offsets,
// row by row, left to right. Overlapping pixels take the value of the later
// tile; there is no registration or blending.
type Stitcher struct {
	Logger *slog.Logger
}

// TilePath returns the file of tile index i under spec.
func TilePath(spec engine.GridSpec, i int) string {
	return filepath.Join(spec.Dir, strings.ReplaceAll(spec.FilePattern, "{i}", strconv.Itoa(i)))
}

// Step returns the pixel distance between neighbouring tiles of size n.
func Step(n int, overlapPercent float64) int {
	step := int(math.Round(float64(n) * (1 - overlapPercent/100)))
	if step < 1 {
		step = 1
	}
	return step
}

func (s *Stitcher) StitchGrid(ctx context.Context, spec engine.GridSpec) ([]engine.PlaneFile, error) {
	log := s.Logger
	if log == nil {
		log = slog.Default()
	}
	if spec.Columns <= 0 || spec.Rows <= 0 {
		return nil, fmt.Errorf("grid must have positive size, got %d x %d", spec.Columns, spec.Rows)
	}
	if spec.OverlapPercent < 0 || spec.OverlapPercent >= 100 {
		return nil, fmt.Errorf("tile overlap %.1f%% out of range", spec.OverlapPercent)
	}

	tiles := make([]*models.Volume, 0, spec.Columns*spec.Rows)
	for row := 0; row < spec.Rows; row++ {
		for col := 0; col < spec.Columns; col++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			path := TilePath(spec, spec.TileIndex(row, col))
			vol, err := ReadVolume(path)
			if err != nil {
				return nil, fmt.Errorf("tile (%d, %d): %w", row, col, err)
			}
			if len(tiles) > 0 {
				first := tiles[0]
				if err := first.SameGeometry(vol); err != nil {
					return nil, fmt.Errorf("%s: %w", path, err)
				}
				if vol.Slices != first.Slices || len(vol.Channels) != len(first.Channels) {
					return nil, fmt.Errorf("%s has %d slices x %d channels, first tile has %d x %d",
						path, vol.Slices, len(vol.Channels), first.Slices, len(first.Channels))
				}
			}
			tiles = append(tiles, vol)
		}
	}

	first := tiles[0]
	stepX, stepY := Step(first.Width, spec.OverlapPercent), Step(first.Height, spec.OverlapPercent)
	bounds := image.Rect(0, 0, stepX*(spec.Columns-1)+first.Width, stepY*(spec.Rows-1)+first.Height)
	if err := os.MkdirAll(spec.OutputDir, 0755); err != nil {
		return nil, err
	}

	var planes []engine.PlaneFile
	for c := range first.Channels {
		for z := 0; z < first.Slices; z++ {
			canvas := image.NewGray16(bounds)
			for i, tile := range tiles {
				row, col := i/spec.Columns, i%spec.Columns
				p := tile.Plane(z, c)
				draw.Copy(canvas, image.Pt(col*stepX, row*stepY), p, p.Bounds(), draw.Src, nil)
			}
			path := filepath.Join(spec.OutputDir, fmt.Sprintf("img_t1_z%d_c%d", z+1, c+1))
			if _, err := WritePlane(path, canvas); err != nil {
				return planes, err
			}
			planes = append(planes, engine.PlaneFile{Path: path, Slice: z + 1, Channel: c + 1})
		}
	}
	log.Debug("grid placed", "first", spec.FirstIndex, "columns", spec.Columns, "rows", spec.Rows,
		"width", bounds.Dx(), "height", bounds.Dy(), "planes", len(planes))
	return planes, nil
}
