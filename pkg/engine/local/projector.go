package local

import (
	"context"
	"image/color"

	"gonum.org/v1/gonum/floats"

	"hyperstacker/internal/models"
)

// Projector writes maximum-intensity Z projections.
type Projector struct{}

// MaxProject collapses every channel of v to a single slice holding the
// brightest value of each pixel.
func MaxProject(v *models.Volume) *models.Volume {
	out := models.NewVolume(v.Width, v.Height, 1, v.Channels)
	column := make([]float64, v.Slices)
	for c := range v.Channels {
		dst := out.Plane(0, c)
		for y := 0; y < v.Height; y++ {
			for x := 0; x < v.Width; x++ {
				for z := 0; z < v.Slices; z++ {
					column[z] = float64(v.Plane(z, c).Gray16At(x, y).Y)
				}
				dst.SetGray16(x, y, color.Gray16{Y: uint16(floats.Max(column))})
			}
		}
	}
	return out
}

func (Projector) ProjectMax(ctx context.Context, srcPath, dstPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	vol, err := ReadVolume(srcPath)
	if err != nil {
		return err
	}
	_, err = WriteVolume(dstPath, MaxProject(vol))
	return err
}
