// Package catalog collects the single-plane frames of one imager export,
// orders them by (fov, channel, slice) and checks the numbering they carry.
package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"hyperstacker/internal/models"
	"hyperstacker/pkg/filename"
)

// DefaultExtensions are the file extensions picked up by a scan.
var DefaultExtensions = []string{".tif", ".tiff"}

// Options controls a directory scan.
type Options struct {
	// ExcludeDir is a subdirectory name reserved for outputs. Subdirectories are
	// never descended into; the name is only used to report it as skipped.
	ExcludeDir string

	// NameKey, when set, must appear in a filename for the file to be included
	NameKey string

	// Extensions lists accepted extensions (case-insensitive). Empty means DefaultExtensions.
	Extensions []string

	Logger *slog.Logger
}

// Skipped records a file left out of the catalog and why.
type Skipped struct {
	Path string
	Err  error
}

// Catalog is the ordered list of frames of one export.
type Catalog struct {
	// Frames is sorted by (fov, channel, slice) once Sort has run
	Frames []models.Frame

	// Skipped lists files that were not admitted (malformed, missing name key)
	Skipped []Skipped
}

// DuplicateFrameError reports two files that decode to the same (fov, channel, slice).
type DuplicateFrameError struct {
	Key    models.FrameKey
	First  string
	Second string
}

func (e *DuplicateFrameError) Error() string {
	return fmt.Sprintf("duplicate frame %s: %s and %s", e.Key, e.First, e.Second)
}

// Scan reads dir (one level, no recursion) and builds a sorted catalog.
// Malformed names are recorded in Skipped and do not fail the scan.
func Scan(dir string, opts Options) (*Catalog, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	exts := opts.Extensions
	if len(exts) == 0 {
		exts = DefaultExtensions
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading raw image directory: %w", err)
	}

	c := &Catalog{}
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(dir, name)
		if entry.IsDir() {
			if name == opts.ExcludeDir {
				logger.Debug("skipping reserved output directory", "path", path)
			}
			continue
		}
		if !hasExtension(name, exts) {
			continue
		}
		if opts.NameKey != "" && !strings.Contains(name, opts.NameKey) {
			c.Skipped = append(c.Skipped, Skipped{
				Path: path,
				Err:  fmt.Errorf("name key %q not in filename", opts.NameKey),
			})
			continue
		}

		frame, err := filename.ParseFrame(path)
		if err != nil {
			logger.Warn("excluding file from catalog", "path", path, "error", err)
			c.Skipped = append(c.Skipped, Skipped{Path: path, Err: err})
			continue
		}
		c.Frames = append(c.Frames, frame)
	}

	if err := c.Sort(); err != nil {
		return nil, err
	}
	logger.Info("catalog scanned", "dir", dir, "frames", len(c.Frames), "skipped", len(c.Skipped))
	return c, nil
}

// New builds a sorted catalog from frames that were parsed elsewhere.
func New(frames []models.Frame) (*Catalog, error) {
	c := &Catalog{Frames: append([]models.Frame(nil), frames...)}
	if err := c.Sort(); err != nil {
		return nil, err
	}
	return c, nil
}

func hasExtension(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}

// Sort orders the frames by (fov, channel, slice) and rejects duplicate keys.
// Filesystem order never decides the result.
func (c *Catalog) Sort() error {
	sort.SliceStable(c.Frames, func(i, j int) bool {
		return c.Frames[i].Key().Less(c.Frames[j].Key())
	})
	for i := 1; i < len(c.Frames); i++ {
		if c.Frames[i].Key() == c.Frames[i-1].Key() {
			return &DuplicateFrameError{
				Key:    c.Frames[i].Key(),
				First:  c.Frames[i-1].SourcePath,
				Second: c.Frames[i].SourcePath,
			}
		}
	}
	return nil
}

// Len returns the number of frames.
func (c *Catalog) Len() int {
	return len(c.Frames)
}

// Totals are the highest indices read from the last sorted frame.
type Totals struct {
	MaxFOV     int
	MaxChannel int
	MaxSlice   int
}

// FOVs returns the number of fields of view implied by MaxFOV.
func (t Totals) FOVs() int { return t.MaxFOV + 1 }

// Channels returns the number of channels implied by MaxChannel.
func (t Totals) Channels() int { return t.MaxChannel + 1 }

// Slices returns the number of slices implied by MaxSlice.
func (t Totals) Slices() int { return t.MaxSlice + 1 }

// Totals reads the field values of the last (maximal) frame. This assumes
// dense zero-based numbering; run CheckDensity to verify it.
func (c *Catalog) Totals() Totals {
	if len(c.Frames) == 0 {
		return Totals{MaxFOV: -1, MaxChannel: -1, MaxSlice: -1}
	}
	last := c.Frames[len(c.Frames)-1]
	return Totals{MaxFOV: last.FOV, MaxChannel: last.Channel, MaxSlice: last.Slice}
}
