package models

import (
	"fmt"
	"image"
)

// VolumeChannel describes one channel of an in-memory Volume.
type VolumeChannel struct {
	// Channel is the acquisition channel, or -1 when unknown
	Channel int `yaml:"channel"`

	// Color is the display colour used when the volume is rendered or merged
	Color ChannelColor `yaml:"color"`
}

// Volume is a multi-channel, multi-slice image held in memory.
// Planes are stored slice-major: the plane of slice z and channel c is at
// index z*len(Channels)+c.
type Volume struct {
	Width    int
	Height   int
	Slices   int
	Channels []VolumeChannel
	Planes   []*image.Gray16
}

// NewVolume allocates a zeroed volume.
func NewVolume(width, height, slices int, channels []VolumeChannel) *Volume {
	v := &Volume{
		Width:    width,
		Height:   height,
		Slices:   slices,
		Channels: append([]VolumeChannel(nil), channels...),
		Planes:   make([]*image.Gray16, slices*len(channels)),
	}
	for i := range v.Planes {
		v.Planes[i] = image.NewGray16(image.Rect(0, 0, width, height))
	}
	return v
}

// Plane returns the plane of slice z and channel c.
func (v *Volume) Plane(z, c int) *image.Gray16 {
	return v.Planes[z*len(v.Channels)+c]
}

// SetPlane replaces the plane of slice z and channel c.
func (v *Volume) SetPlane(z, c int, p *image.Gray16) {
	v.Planes[z*len(v.Channels)+c] = p
}

// Bytes returns the size of the pixel data.
func (v *Volume) Bytes() int64 {
	return int64(v.Width) * int64(v.Height) * int64(len(v.Planes)) * 2
}

// SameGeometry reports an error when o's planes differ in size from v's.
func (v *Volume) SameGeometry(o *Volume) error {
	if v.Width != o.Width || v.Height != o.Height {
		return fmt.Errorf("plane size %dx%d does not match %dx%d", o.Width, o.Height, v.Width, v.Height)
	}
	return nil
}
