package local

import (
	"bytes"
	"fmt"
	"image"
	"os"

	"github.com/natefinch/atomic"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	"gopkg.in/yaml.v3"

	"hyperstacker/internal/models"
)

// SidecarExt is appended to a volume file name to form its layout sidecar.
const SidecarExt = ".yaml"

// sidecar describes how the planes of a volume are laid out in its TIFF
// montage: one column per channel, one row per slice.
type sidecar struct {
	Width    int                    `yaml:"width"`
	Height   int                    `yaml:"height"`
	Slices   int                    `yaml:"slices"`
	Channels []models.VolumeChannel `yaml:"channels"`
}

// ReadVolume loads a volume written by WriteVolume, or a plain single-plane
// TIFF when no sidecar exists.
func ReadVolume(path string) (*models.Volume, error) {
	img, err := decodeTIFF(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path + SidecarExt)
	if os.IsNotExist(err) {
		v := &models.Volume{
			Width:    img.Bounds().Dx(),
			Height:   img.Bounds().Dy(),
			Slices:   1,
			Channels: []models.VolumeChannel{{Channel: -1}},
			Planes:   []*image.Gray16{img},
		}
		return v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading sidecar of %s: %w", path, err)
	}

	var sc sidecar
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("parsing sidecar of %s: %w", path, err)
	}
	if len(sc.Channels) == 0 || sc.Slices <= 0 {
		return nil, fmt.Errorf("sidecar of %s describes an empty volume", path)
	}
	b := img.Bounds()
	if b.Dx() != sc.Width*len(sc.Channels) || b.Dy() != sc.Height*sc.Slices {
		return nil, fmt.Errorf("%s is %dx%d, sidecar expects %d channels x %d slices of %dx%d",
			path, b.Dx(), b.Dy(), len(sc.Channels), sc.Slices, sc.Width, sc.Height)
	}

	v := models.NewVolume(sc.Width, sc.Height, sc.Slices, sc.Channels)
	for z := 0; z < sc.Slices; z++ {
		for c := range sc.Channels {
			sr := image.Rect(c*sc.Width, z*sc.Height, (c+1)*sc.Width, (z+1)*sc.Height).Add(b.Min)
			draw.Copy(v.Plane(z, c), image.Point{}, img, sr, draw.Src, nil)
		}
	}
	return v, nil
}

// WriteVolume writes v as a montage TIFF plus its sidecar and returns the
// number of bytes written. Both files are replaced atomically.
func WriteVolume(path string, v *models.Volume) (int64, error) {
	montage := image.NewGray16(image.Rect(0, 0, v.Width*len(v.Channels), v.Height*v.Slices))
	for z := 0; z < v.Slices; z++ {
		for c := range v.Channels {
			p := v.Plane(z, c)
			draw.Copy(montage, image.Pt(c*v.Width, z*v.Height), p, p.Bounds(), draw.Src, nil)
		}
	}
	n, err := writeTIFF(path, montage)
	if err != nil {
		return 0, err
	}

	data, err := yaml.Marshal(&sidecar{Width: v.Width, Height: v.Height, Slices: v.Slices, Channels: v.Channels})
	if err != nil {
		return n, fmt.Errorf("encoding sidecar: %w", err)
	}
	if err := atomic.WriteFile(path+SidecarExt, bytes.NewReader(data)); err != nil {
		return n, fmt.Errorf("writing sidecar of %s: %w", path, err)
	}
	return n + int64(len(data)), nil
}

// WritePlane writes a single plane as a plain TIFF without sidecar.
func WritePlane(path string, p *image.Gray16) (int64, error) {
	return writeTIFF(path, p)
}

func writeTIFF(path string, img image.Image) (int64, error) {
	var buf bytes.Buffer
	if err := tiff.Encode(&buf, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		return 0, fmt.Errorf("encoding %s: %w", path, err)
	}
	n := int64(buf.Len())
	if err := atomic.WriteFile(path, &buf); err != nil {
		return 0, fmt.Errorf("writing %s: %w", path, err)
	}
	return n, nil
}

func decodeTIFF(path string) (*image.Gray16, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, err := tiff.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return toGray16(img), nil
}

// toGray16 converts any decoded image to a zero-origin Gray16.
func toGray16(img image.Image) *image.Gray16 {
	if g, ok := img.(*image.Gray16); ok && g.Bounds().Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	dst := image.NewGray16(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}
