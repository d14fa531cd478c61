// Package enginetest provides deterministic engine fakes that record every
// call, so control logic can be tested without decoding pixels.
package enginetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"hyperstacker/pkg/engine"
)

// Image is a fake handle. Its Members list the titles it was built from.
type Image struct {
	title      string
	Path       string
	Members    []string
	readyAfter int
	polls      int
}

func (i *Image) Title() string { return i.title }

// Ready returns true once it has been polled readyAfter times.
func (i *Image) Ready() bool {
	if i.readyAfter < 0 {
		return false
	}
	if i.polls >= i.readyAfter {
		return true
	}
	i.polls++
	return false
}

// StackCall records one Stack invocation.
type StackCall struct {
	Title  string
	Planes []string
}

// LayerCall records one layer of a Merge invocation.
type LayerCall struct {
	Title   string
	Channel int
	Color   string
}

// MergeCall records one Merge invocation.
type MergeCall struct {
	Title  string
	Layers []LayerCall
}

// SaveCall records one Save invocation.
type SaveCall struct {
	Title   string
	Path    string
	Members []string
}

// Store is a recording engine.ImageStore.
type Store struct {
	// Events is the ordered log of calls, e.g. "open a.tif", "stack Stack_channel_0".
	Events []string

	Opened []string
	Stacks []StackCall
	Merges []MergeCall
	Saves  []SaveCall

	CloseAllCalls int
	ReclaimCalls  int

	// MaxOpen is the most images held at once.
	MaxOpen int

	// OpenErr fails Open for paths with this base name.
	OpenErr map[string]error

	// ReadyAfter delays readiness of opened images by that many polls;
	// a negative value never becomes ready.
	ReadyAfter int

	// WriteFiles makes Save create the target file.
	WriteFiles bool

	held []*Image
}

// NewStore returns an empty recording store.
func NewStore() *Store {
	return &Store{OpenErr: map[string]error{}}
}

func (s *Store) hold(img *Image) {
	s.held = append(s.held, img)
	if len(s.held) > s.MaxOpen {
		s.MaxOpen = len(s.held)
	}
}

// Held returns the titles currently held.
func (s *Store) Held() []string {
	out := make([]string, len(s.held))
	for i, img := range s.held {
		out[i] = img.title
	}
	return out
}

func (s *Store) Open(_ context.Context, path string) (engine.Image, error) {
	base := filepath.Base(path)
	s.Events = append(s.Events, "open "+base)
	if err, ok := s.OpenErr[base]; ok {
		return nil, err
	}
	img := &Image{title: base, Path: path, Members: []string{base}, readyAfter: s.ReadyAfter}
	s.Opened = append(s.Opened, path)
	s.hold(img)
	return img, nil
}

func (s *Store) Stack(_ context.Context, title string, planes []engine.Image) (engine.Image, error) {
	s.Events = append(s.Events, "stack "+title)
	call := StackCall{Title: title}
	img := &Image{title: title}
	for _, p := range planes {
		call.Planes = append(call.Planes, p.Title())
		img.Members = append(img.Members, p.Title())
	}
	s.Stacks = append(s.Stacks, call)
	s.hold(img)
	return img, nil
}

func (s *Store) Merge(_ context.Context, title string, layers []engine.ColorLayer) (engine.Image, error) {
	s.Events = append(s.Events, "merge "+title)
	call := MergeCall{Title: title}
	img := &Image{title: title}
	for _, l := range layers {
		call.Layers = append(call.Layers, LayerCall{Title: l.Image.Title(), Channel: l.Channel, Color: l.Color.String()})
		img.Members = append(img.Members, l.Image.Title())
	}
	s.Merges = append(s.Merges, call)
	s.hold(img)
	return img, nil
}

func (s *Store) Save(_ context.Context, img engine.Image, path string) (int64, error) {
	s.Events = append(s.Events, "save "+filepath.Base(path))
	call := SaveCall{Title: img.Title(), Path: path}
	if fake, ok := img.(*Image); ok {
		call.Members = append(call.Members, fake.Members...)
	}
	s.Saves = append(s.Saves, call)
	if !s.WriteFiles {
		return 0, nil
	}
	content := img.Title() + "\n" + strings.Join(call.Members, "\n")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return 0, err
	}
	return int64(len(content)), nil
}

func (s *Store) CloseAll(_ context.Context) error {
	s.Events = append(s.Events, "close-all")
	s.CloseAllCalls++
	s.held = nil
	return nil
}

func (s *Store) Reclaim() {
	s.ReclaimCalls++
}

// Stitcher is a recording engine.Stitcher that writes empty plane files.
type Stitcher struct {
	Specs []engine.GridSpec

	// Slices and Channels set how many planes each call writes.
	Slices   int
	Channels int

	Err error
}

func (s *Stitcher) StitchGrid(_ context.Context, spec engine.GridSpec) ([]engine.PlaneFile, error) {
	s.Specs = append(s.Specs, spec)
	if s.Err != nil {
		return nil, s.Err
	}
	var planes []engine.PlaneFile
	for c := 1; c <= s.Channels; c++ {
		for z := 1; z <= s.Slices; z++ {
			path := filepath.Join(spec.OutputDir, fmt.Sprintf("img_t1_z%d_c%d", z, c))
			if err := os.WriteFile(path, nil, 0644); err != nil {
				return nil, err
			}
			planes = append(planes, engine.PlaneFile{Path: path, Slice: z, Channel: c})
		}
	}
	return planes, nil
}

// Projector is a recording engine.Projector that copies the source file.
type Projector struct {
	Calls [][2]string
}

func (p *Projector) ProjectMax(_ context.Context, src, dst string) error {
	p.Calls = append(p.Calls, [2]string{src, dst})
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
