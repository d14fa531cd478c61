package grouping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"hyperstacker/internal/models"
	"hyperstacker/pkg/catalog"
	"hyperstacker/pkg/engine"
	"hyperstacker/pkg/progress"
)

// State is the phase of the grouping pass.
type State int

const (
	AccumulatingSlices State = iota
	ChannelBoundary
	FOVBoundary
	Done
)

func (s State) String() string {
	switch s {
	case AccumulatingSlices:
		return "accumulating-slices"
	case ChannelBoundary:
		return "channel-boundary"
	case FOVBoundary:
		return "fov-boundary"
	case Done:
		return "done"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ChannelAssignment maps an acquisition channel to its output colour.
type ChannelAssignment struct {
	Channel int
	Color   models.ChannelColor
}

// Params configures a grouping pass.
type Params struct {
	// Store is the engine holding opened images
	Store engine.ImageStore

	// Channels lists the selected channels in merge order. Channels not listed
	// are opened but contribute no stack.
	Channels []ChannelAssignment

	// OutputDir receives FOV_<n><Ext>
	OutputDir string

	// Ext is the output extension, ".tif" by default
	Ext string

	// PollInterval and OpenTimeout bound the wait for an image to open
	PollInterval time.Duration
	OpenTimeout  time.Duration

	Reporter progress.Reporter
	Logger   *slog.Logger

	// OnVolume is called after each FOV volume has been written
	OnVolume func(models.FOVVolume)
}

// Result summarizes a completed pass.
type Result struct {
	Volumes      []models.FOVVolume
	ImagesOpened int
	BytesWritten int64
}

// Machine runs the single forward pass over a sorted catalog. It owns its
// cursors; nothing is shared between machines.
type Machine struct {
	params Params
	state  State

	currentFOV     int
	currentChannel int

	// planes opened since the last channel flush, with their frames
	planes []engine.Image
	frames []models.Frame

	// stacks flushed for the current FOV
	stacks map[int]stackEntry

	result Result
}

type stackEntry struct {
	image engine.Image
	stack models.ChannelStack
}

// New returns a machine ready to Run.
func New(params Params) *Machine {
	if params.Ext == "" {
		params.Ext = ".tif"
	}
	if params.Reporter == nil {
		params.Reporter = progress.Discard{}
	}
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	return &Machine{params: params, state: AccumulatingSlices}
}

// State returns the current phase.
func (m *Machine) State() State {
	return m.state
}

// Run processes every frame of cat and one extra step past the last frame,
// which flushes the final channel and FOV groups. On error, every image the
// store holds is closed before returning.
func (m *Machine) Run(ctx context.Context, cat *catalog.Catalog) (res *Result, err error) {
	if len(m.params.Channels) == 0 {
		return nil, errors.New("grouping: no channels configured")
	}
	if m.state == Done {
		return nil, errors.New("grouping: machine already ran")
	}

	defer func() {
		if err != nil {
			if cerr := m.params.Store.CloseAll(ctx); cerr != nil {
				m.params.Logger.Error("closing images after failure", "error", cerr)
			}
			m.params.Store.Reclaim()
		}
	}()

	frames := cat.Frames
	n := len(frames)
	if n == 0 {
		m.state = Done
		return &m.result, nil
	}

	totalFOVs := cat.Totals().FOVs()
	m.currentFOV = frames[0].FOV
	m.currentChannel = frames[0].Channel
	m.stacks = map[int]stackEntry{}

	for i := 0; i <= n; i++ {
		endOfInput := i == n
		rec := frames[n-1]
		if !endOfInput {
			rec = frames[i]
		}

		fovChanged := rec.FOV != m.currentFOV
		if endOfInput || fovChanged || rec.Channel != m.currentChannel {
			m.state = ChannelBoundary
			if err := m.flushChannel(ctx); err != nil {
				return nil, err
			}
			m.currentChannel = rec.Channel

			if endOfInput || fovChanged {
				m.state = FOVBoundary
				if err := m.flushFOV(ctx, totalFOVs); err != nil {
					return nil, err
				}
				m.currentFOV = rec.FOV
				if endOfInput {
					m.state = Done
					break
				}
			}
		}

		m.state = AccumulatingSlices
		if err := m.open(ctx, rec, i+1, n); err != nil {
			return nil, err
		}
	}

	return &m.result, nil
}

func (m *Machine) open(ctx context.Context, f models.Frame, done, total int) error {
	img, err := m.params.Store.Open(ctx, f.SourcePath)
	if err != nil {
		return &engine.EngineError{Op: "open", Path: f.SourcePath, FOV: f.FOV, Channel: f.Channel, Err: err}
	}
	if err := engine.WaitReady(ctx, img, m.params.PollInterval, m.params.OpenTimeout); err != nil {
		var ee *engine.EngineError
		if errors.As(err, &ee) {
			ee.Path, ee.FOV, ee.Channel = f.SourcePath, f.FOV, f.Channel
		}
		return err
	}

	m.planes = append(m.planes, img)
	m.frames = append(m.frames, f)
	m.result.ImagesOpened++
	m.params.Reporter.ImageOpened(done, total)
	return nil
}

func (m *Machine) assignment(channel int) (ChannelAssignment, bool) {
	for _, a := range m.params.Channels {
		if a.Channel == channel {
			return a, true
		}
	}
	return ChannelAssignment{}, false
}

// flushChannel stacks the planes opened since the last flush under the
// current channel. Planes of unselected channels are left for the FOV flush
// to close.
func (m *Machine) flushChannel(ctx context.Context) error {
	planes, frames := m.planes, m.frames
	m.planes, m.frames = nil, nil
	if len(planes) == 0 {
		return nil
	}

	a, ok := m.assignment(m.currentChannel)
	if !ok {
		m.params.Logger.Debug("channel not selected, no stack",
			"fov", m.currentFOV, "channel", m.currentChannel, "planes", len(planes))
		return nil
	}

	title := fmt.Sprintf("Stack_channel_%d", m.currentChannel)
	img, err := m.params.Store.Stack(ctx, title, planes)
	if err != nil {
		return &engine.EngineError{Op: "stack", FOV: m.currentFOV, Channel: m.currentChannel, Err: err}
	}

	stack := models.ChannelStack{FOV: m.currentFOV, Channel: m.currentChannel, Color: a.Color}
	for _, f := range frames {
		stack.Slices = append(stack.Slices, f.Slice)
		stack.Sources = append(stack.Sources, f.SourcePath)
	}
	m.stacks[m.currentChannel] = stackEntry{image: img, stack: stack}
	m.params.Store.Reclaim()
	return nil
}

// flushFOV merges the stacks of the current FOV (or keeps the bare stack
// when one channel is selected), saves the result and releases everything.
func (m *Machine) flushFOV(ctx context.Context, totalFOVs int) error {
	fov := m.currentFOV
	vol := models.FOVVolume{
		FOV:        fov,
		OutputPath: filepath.Join(m.params.OutputDir, fmt.Sprintf("FOV_%d%s", fov, m.params.Ext)),
	}

	var layers []engine.ColorLayer
	for _, a := range m.params.Channels {
		entry, ok := m.stacks[a.Channel]
		if !ok {
			return &catalog.MissingGroupMemberError{FOV: fov, Channel: a.Channel, Slice: -1, Missing: 1}
		}
		vol.Channels = append(vol.Channels, entry.stack)
		layers = append(layers, engine.ColorLayer{Image: entry.image, Channel: a.Channel, Color: a.Color})
	}

	output := layers[0].Image
	if len(layers) > 1 {
		merged, err := m.params.Store.Merge(ctx, "Composite", layers)
		if err != nil {
			return &engine.EngineError{Op: "merge", FOV: fov, Channel: -1, Err: err}
		}
		output = merged
		vol.Merged = true
	}

	written, err := m.params.Store.Save(ctx, output, vol.OutputPath)
	if err != nil {
		return &engine.EngineError{Op: "save", Path: vol.OutputPath, FOV: fov, Channel: -1, Err: err}
	}
	m.result.BytesWritten += written
	m.result.Volumes = append(m.result.Volumes, vol)
	m.params.Reporter.FOVCompleted(len(m.result.Volumes), totalFOVs)
	m.params.Logger.Debug("fov volume written", "fov", fov, "path", vol.OutputPath,
		"channels", len(vol.Channels), "merged", vol.Merged)

	if err := m.params.Store.CloseAll(ctx); err != nil {
		return &engine.EngineError{Op: "close", FOV: fov, Channel: -1, Err: err}
	}
	m.params.Store.Reclaim()
	m.stacks = map[int]stackEntry{}

	if m.params.OnVolume != nil {
		m.params.OnVolume(vol)
	}
	return nil
}
