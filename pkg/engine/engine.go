// Package engine defines the narrow capabilities the control core needs from
// an image-processing engine: opening single planes, stacking, merging
// channels into a colour composite, grid stitching and projection.
//
// The core never touches pixels. Everything it asks of the engine goes
// through these interfaces, so the grouping, renaming and partitioning logic
// can run against the built-in TIFF engine (package local) or against the
// recording fakes in package enginetest.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hyperstacker/internal/models"
)

// ErrTimeout is wrapped by EngineError when a bounded wait expires.
var ErrTimeout = errors.New("timed out waiting for engine")

// Image is an engine-side handle. Opening large images may complete
// asynchronously; Ready reports when the handle can be used.
type Image interface {
	Title() string
	Ready() bool
}

// ColorLayer pairs a channel stack with its output colour for a merge.
type ColorLayer struct {
	Image   Image
	Channel int
	Color   models.ChannelColor
}

// ImageStore opens, stacks, merges and saves images.
type ImageStore interface {
	// Open starts loading the image at path.
	Open(ctx context.Context, path string) (Image, error)

	// Stack combines single planes into one stack titled title, in the given order.
	Stack(ctx context.Context, title string, planes []Image) (Image, error)

	// Merge combines channel stacks into one composite, keeping the layer order.
	Merge(ctx context.Context, title string, layers []ColorLayer) (Image, error)

	// Save writes img to path and returns the number of bytes written.
	Save(ctx context.Context, img Image, path string) (int64, error)

	// CloseAll releases every image the store holds.
	CloseAll(ctx context.Context) error

	// Reclaim hints the engine to free memory.
	Reclaim()
}

// GridSpec describes one grid-stitching call. Tiles are read from
// Dir/FilePattern where "{i}" is replaced by FirstIndex + row*Columns + col.
type GridSpec struct {
	Dir            string
	FilePattern    string
	FirstIndex     int
	Columns        int
	Rows           int
	OverlapPercent float64
	OutputDir      string
}

// TileIndex returns the file index of the tile at (row, col).
func (g GridSpec) TileIndex(row, col int) int {
	return g.FirstIndex + row*g.Columns + col
}

// PlaneFile is one fused (slice, channel) plane a stitcher wrote to disk.
// Slice and Channel are 1-based, as in img_t1_z<slice>_c<channel>.
type PlaneFile struct {
	Path    string
	Slice   int
	Channel int
}

// Stitcher fuses a grid of volumes and writes one file per slice and channel
// into the GridSpec's OutputDir.
type Stitcher interface {
	StitchGrid(ctx context.Context, spec GridSpec) ([]PlaneFile, error)
}

// Projector writes a maximum-intensity Z projection of a volume.
type Projector interface {
	ProjectMax(ctx context.Context, srcPath, dstPath string) error
}

// EngineError reports a failed or timed-out engine call. It is fatal for the batch.
type EngineError struct {
	Op      string
	Path    string
	FOV     int
	Channel int
	Err     error
}

func (e *EngineError) Error() string {
	msg := "engine " + e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.FOV >= 0 {
		msg += fmt.Sprintf(" (fov %d", e.FOV)
		if e.Channel >= 0 {
			msg += fmt.Sprintf(", channel %d", e.Channel)
		}
		msg += ")"
	}
	return msg + ": " + e.Err.Error()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Failure wraps err as an EngineError with unknown FOV and channel.
func Failure(op, path string, err error) *EngineError {
	return &EngineError{Op: op, Path: path, FOV: -1, Channel: -1, Err: err}
}

// WaitReady polls img every interval until it is ready or timeout elapses.
// A non-positive timeout waits until ctx is done.
func WaitReady(ctx context.Context, img Image, interval, timeout time.Duration) error {
	if img.Ready() {
		return nil
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Failure("open", img.Title(), ErrTimeout)
			}
			return Failure("open", img.Title(), ctx.Err())
		case <-ticker.C:
			if img.Ready() {
				return nil
			}
		}
	}
}
