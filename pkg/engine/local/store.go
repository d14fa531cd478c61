// Package local is the built-in engine: it keeps volumes in memory as 16-bit
// planes and reads and writes them as TIFF files.
//
// Multi-plane volumes are stored as a single montage TIFF (one column per
// channel, one row per slice) with a YAML sidecar describing the layout.
// Single planes, such as raw acquisition frames or the stitcher's
// intermediate files, are plain TIFFs.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"

	"hyperstacker/internal/models"
	"hyperstacker/pkg/engine"
)

// Image is a handle on a volume held by a Store.
type Image struct {
	title string
	done  chan struct{}
	vol   *models.Volume
	err   error
}

func (i *Image) Title() string { return i.title }

// Ready reports whether loading has finished, successfully or not.
func (i *Image) Ready() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

// Volume blocks until loading finishes and returns the volume.
func (i *Image) Volume() (*models.Volume, error) {
	<-i.done
	return i.vol, i.err
}

func loaded(title string, vol *models.Volume) *Image {
	img := &Image{title: title, done: make(chan struct{}), vol: vol}
	close(img.done)
	return img
}

// Store is an engine.ImageStore over TIFF files.
type Store struct {
	// Async makes Open return before the file is decoded
	Async  bool
	Logger *slog.Logger

	mu   sync.Mutex
	held []*Image
}

// NewStore returns an empty store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{Logger: logger}
}

func (s *Store) hold(img *Image) {
	s.mu.Lock()
	s.held = append(s.held, img)
	s.mu.Unlock()
}

// Held returns the number of images currently held.
func (s *Store) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.held)
}

func (s *Store) Open(ctx context.Context, path string) (engine.Image, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	img := &Image{title: filepath.Base(path), done: make(chan struct{})}
	load := func() {
		defer close(img.done)
		img.vol, img.err = ReadVolume(path)
	}
	if s.Async {
		go load()
	} else {
		load()
		if img.err != nil {
			return nil, img.err
		}
	}
	s.hold(img)
	return img, nil
}

func (s *Store) volumeOf(img engine.Image) (*models.Volume, error) {
	li, ok := img.(*Image)
	if !ok {
		return nil, fmt.Errorf("image %q was not produced by this engine", img.Title())
	}
	vol, err := li.Volume()
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", li.title, err)
	}
	return vol, nil
}

// Stack concatenates the slices of single-channel images in order.
func (s *Store) Stack(_ context.Context, title string, planes []engine.Image) (engine.Image, error) {
	if len(planes) == 0 {
		return nil, errors.New("nothing to stack")
	}
	var first *models.Volume
	var out []*models.Volume
	slices := 0
	for _, p := range planes {
		vol, err := s.volumeOf(p)
		if err != nil {
			return nil, err
		}
		if len(vol.Channels) != 1 {
			return nil, fmt.Errorf("%s has %d channels, only single-channel images can be stacked", p.Title(), len(vol.Channels))
		}
		if first == nil {
			first = vol
		} else if err := first.SameGeometry(vol); err != nil {
			return nil, fmt.Errorf("%s: %w", p.Title(), err)
		}
		out = append(out, vol)
		slices += vol.Slices
	}

	stack := &models.Volume{
		Width:    first.Width,
		Height:   first.Height,
		Slices:   slices,
		Channels: []models.VolumeChannel{first.Channels[0]},
	}
	for _, vol := range out {
		stack.Planes = append(stack.Planes, vol.Planes...)
	}
	img := loaded(title, stack)
	s.hold(img)
	return img, nil
}

// Merge combines single-channel stacks into one volume, keeping layer order.
// Shallower stacks are padded with blank slices.
func (s *Store) Merge(_ context.Context, title string, layers []engine.ColorLayer) (engine.Image, error) {
	if len(layers) == 0 {
		return nil, errors.New("nothing to merge")
	}
	vols := make([]*models.Volume, len(layers))
	channels := make([]models.VolumeChannel, len(layers))
	depth := 0
	for i, l := range layers {
		vol, err := s.volumeOf(l.Image)
		if err != nil {
			return nil, err
		}
		if len(vol.Channels) != 1 {
			return nil, fmt.Errorf("%s has %d channels, merge layers must be single-channel", l.Image.Title(), len(vol.Channels))
		}
		if i > 0 {
			if err := vols[0].SameGeometry(vol); err != nil {
				return nil, fmt.Errorf("%s: %w", l.Image.Title(), err)
			}
		}
		vols[i] = vol
		channels[i] = models.VolumeChannel{Channel: l.Channel, Color: l.Color}
		if vol.Slices > depth {
			depth = vol.Slices
		}
	}

	merged := models.NewVolume(vols[0].Width, vols[0].Height, depth, channels)
	for c, vol := range vols {
		for z := 0; z < vol.Slices; z++ {
			merged.SetPlane(z, c, vol.Plane(z, 0))
		}
		if vol.Slices < depth {
			s.Logger.Warn("padding shallow channel stack", "image", layers[c].Image.Title(),
				"slices", vol.Slices, "depth", depth)
		}
	}
	img := loaded(title, merged)
	s.hold(img)
	return img, nil
}

func (s *Store) Save(_ context.Context, img engine.Image, path string) (int64, error) {
	vol, err := s.volumeOf(img)
	if err != nil {
		return 0, err
	}
	return WriteVolume(path, vol)
}

// CloseAll drops every held image. Images still loading finish in the
// background and are then released.
func (s *Store) CloseAll(_ context.Context) error {
	s.mu.Lock()
	s.held = nil
	s.mu.Unlock()
	return nil
}

// Reclaim returns freed memory to the operating system.
func (s *Store) Reclaim() {
	debug.FreeOSMemory()
}
