package models

import (
	"fmt"
	"strings"
)

// Frame represents one single-plane image file written by the imager.
// A Frame is created once from a directory scan and never mutated afterwards.
type Frame struct {
	// SourcePath is the path of the image file on disk
	SourcePath string

	// FOV is the field-of-view number encoded in the filename
	FOV int

	// Channel is the acquisition channel (0-4 on the EVOS M7000)
	Channel int

	// Slice is the zero-based depth index in the z-stack
	Slice int
}

// Key returns the (fov, channel, slice) sort key of the frame.
func (f Frame) Key() FrameKey {
	return FrameKey{FOV: f.FOV, Channel: f.Channel, Slice: f.Slice}
}

// FrameKey is the identity of a frame inside a catalog.
type FrameKey struct {
	FOV     int
	Channel int
	Slice   int
}

// Less orders keys lexicographically by FOV, then channel, then slice.
func (k FrameKey) Less(o FrameKey) bool {
	if k.FOV != o.FOV {
		return k.FOV < o.FOV
	}
	if k.Channel != o.Channel {
		return k.Channel < o.Channel
	}
	return k.Slice < o.Slice
}

func (k FrameKey) String() string {
	return fmt.Sprintf("fov=%d channel=%d slice=%d", k.FOV, k.Channel, k.Slice)
}

// ChannelStack holds every slice of one (FOV, channel) pair, in slice order.
// It only lives between a channel flush and the FOV flush that consumes it.
type ChannelStack struct {
	FOV     int
	Channel int

	// Color is the output colour assigned to the channel
	Color ChannelColor

	// Slices lists the slice indices in the order they were stacked
	Slices []int

	// Sources lists the frame paths in the same order as Slices
	Sources []string
}

// Depth returns the number of slices in the stack.
func (s ChannelStack) Depth() int {
	return len(s.Slices)
}

// FOVVolume is the assembled multi-channel volume of one field of view.
type FOVVolume struct {
	// FOV is the field-of-view index
	FOV int

	// Channels holds the channel stacks in declared merge order
	Channels []ChannelStack

	// OutputPath is where the volume was written
	OutputPath string

	// Merged reports whether a merge was performed. A single configured
	// channel is written as the bare stack.
	Merged bool
}

// ChannelColor is the output colour assigned to an acquisition channel.
type ChannelColor int

const (
	// Unset marks a channel the user did not select
	Unset ChannelColor = iota
	Red
	Green
	Blue
	Gray
	Cyan
	Magenta
)

var colorNames = map[ChannelColor]string{
	Unset:   "",
	Red:     "Red",
	Green:   "Green",
	Blue:    "Blue",
	Gray:    "Gray",
	Cyan:    "Cyan",
	Magenta: "Magenta",
}

// ParseChannelColor converts a menu-style colour name into a ChannelColor.
// The empty string maps to Unset.
func ParseChannelColor(s string) (ChannelColor, error) {
	s = strings.TrimSpace(s)
	for c, name := range colorNames {
		if strings.EqualFold(name, s) {
			return c, nil
		}
	}
	if strings.EqualFold(s, "grey") {
		return Gray, nil
	}
	return Unset, fmt.Errorf("unknown channel colour %q (want Red, Green, Blue, Gray, Cyan, Magenta or empty)", s)
}

func (c ChannelColor) String() string {
	if name, ok := colorNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ChannelColor(%d)", int(c))
}

// MergeSlot returns the composite slot (1-based) the colour occupies when
// channels are merged: c1=Red, c2=Green, c3=Blue, c4=Gray, c5=Cyan, c6=Magenta.
func (c ChannelColor) MergeSlot() int {
	return int(c)
}

// MarshalText implements encoding.TextMarshaler.
func (c ChannelColor) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ChannelColor) UnmarshalText(text []byte) error {
	parsed, err := ParseChannelColor(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
