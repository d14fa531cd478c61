// Package visualization renders assembled volumes as colour previews, the
// way an image viewer shows a composite: every channel tinted with its
// assigned colour and the tints added together.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/lucasb-eyer/go-colorful"

	"hyperstacker/internal/models"
)

// Tint returns the display colour of a channel colour. Unset channels are
// shown in gray.
func Tint(c models.ChannelColor) colorful.Color {
	switch c {
	case models.Red:
		return colorful.Color{R: 1}
	case models.Green:
		return colorful.Color{G: 1}
	case models.Blue:
		return colorful.Color{B: 1}
	case models.Cyan:
		return colorful.Color{G: 1, B: 1}
	case models.Magenta:
		return colorful.Color{R: 1, B: 1}
	}
	return colorful.Color{R: 1, G: 1, B: 1}
}

// Viewer renders slices of a volume.
type Viewer struct {
	vol *models.Volume

	// displayMax is the brightest value of each channel over the whole
	// volume; it maps to full intensity so every slice shares one scale
	displayMax []float64
}

// NewViewer prepares vol for rendering.
func NewViewer(vol *models.Volume) *Viewer {
	v := &Viewer{vol: vol, displayMax: make([]float64, len(vol.Channels))}
	for c := range vol.Channels {
		for z := 0; z < vol.Slices; z++ {
			p := vol.Plane(z, c)
			for _, px := range grayValues(p) {
				if float64(px) > v.displayMax[c] {
					v.displayMax[c] = float64(px)
				}
			}
		}
	}
	return v
}

func grayValues(p *image.Gray16) []uint16 {
	out := make([]uint16, 0, p.Bounds().Dx()*p.Bounds().Dy())
	for y := p.Bounds().Min.Y; y < p.Bounds().Max.Y; y++ {
		for x := p.Bounds().Min.X; x < p.Bounds().Max.X; x++ {
			out = append(out, p.Gray16At(x, y).Y)
		}
	}
	return out
}

// composite adds the tinted value of every channel at voxel (x, y, z).
func (v *Viewer) composite(x, y, z int) color.RGBA {
	var acc colorful.Color
	for c, ch := range v.vol.Channels {
		if v.displayMax[c] == 0 {
			continue
		}
		level := float64(v.vol.Plane(z, c).Gray16At(x, y).Y) / v.displayMax[c]
		tint := Tint(ch.Color)
		acc.R += tint.R * level
		acc.G += tint.G * level
		acc.B += tint.B * level
	}
	r, g, b := acc.Clamped().RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// ExtractSlice renders one plane of the volume. Axis "z" gives the XY plane
// at slice position; "x" and "y" give orthogonal views through the stack.
func (v *Viewer) ExtractSlice(axis string, position int) (image.Image, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}
	vol := v.vol

	var img *image.RGBA
	switch axis {
	case "x", "X":
		if position >= vol.Width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, vol.Width)
		}
		img = image.NewRGBA(image.Rect(0, 0, vol.Slices, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for z := 0; z < vol.Slices; z++ {
				img.SetRGBA(z, y, v.composite(position, y, z))
			}
		}

	case "y", "Y":
		if position >= vol.Height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, vol.Height)
		}
		img = image.NewRGBA(image.Rect(0, 0, vol.Width, vol.Slices))
		for z := 0; z < vol.Slices; z++ {
			for x := 0; x < vol.Width; x++ {
				img.SetRGBA(x, z, v.composite(x, position, z))
			}
		}

	case "z", "Z":
		if position >= vol.Slices {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, vol.Slices)
		}
		img = image.NewRGBA(image.Rect(0, 0, vol.Width, vol.Height))
		for y := 0; y < vol.Height; y++ {
			for x := 0; x < vol.Width; x++ {
				img.SetRGBA(x, y, v.composite(x, y, position))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// SaveSlice saves a rendered slice as a JPEG image
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
}

// SaveSliceSequence renders and saves every slice along the given axis.
func (v *Viewer) SaveSliceSequence(axis string, outputDir string) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}

	var maxPos int
	switch axis {
	case "x", "X":
		maxPos = v.vol.Width
	case "y", "Y":
		maxPos = v.vol.Height
	case "z", "Z":
		maxPos = v.vol.Slices
	default:
		return fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	for pos := 0; pos < maxPos; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d.jpg", axis, pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return err
		}
	}

	return nil
}
