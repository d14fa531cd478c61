package mosaic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/natefinch/atomic"

	"hyperstacker/internal/models"
	"hyperstacker/pkg/engine"
	"hyperstacker/pkg/progress"
)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Stitcher engine.Stitcher
	Store    engine.ImageStore

	// Colors gives the output colour of stitched channel c (1-based) at Colors[c-1]
	Colors []models.ChannelColor

	// TileDir holds the renamed tiles, FilePattern names them with "{i}"
	TileDir     string
	FilePattern string

	OverlapPercent float64

	// WorkDir receives the stitcher's per-plane files, OutputDir the labelled bands
	WorkDir   string
	OutputDir string
	Ext       string

	PollInterval time.Duration
	OpenTimeout  time.Duration

	// Out receives one summary line per stitched band; nil discards them
	Out    io.Writer
	Logger *slog.Logger
}

// Band is a stitched and labelled partition.
type Band struct {
	Partition Partition
	Path      string
	Planes    int
	Bytes     int64
	Elapsed   time.Duration
}

// Runner stitches the partitions of a plan one after another, so only one
// band is held by the engine at a time.
type Runner struct {
	cfg RunnerConfig
}

// NewRunner returns a Runner with defaults filled in.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.FilePattern == "" {
		cfg.FilePattern = "Image_{i}.tif"
	}
	if cfg.Ext == "" {
		cfg.Ext = ".tif"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = cfg.OutputDir
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{cfg: cfg}
}

// Run stitches every partition into OutputDir/Row_<k>, then renames each
// result to its row-range label.
func (r *Runner) Run(ctx context.Context, parts []Partition) ([]Band, error) {
	if r.cfg.Stitcher == nil || r.cfg.Store == nil {
		return nil, errors.New("mosaic: stitcher and image store are required")
	}
	for _, dir := range []string{r.cfg.WorkDir, r.cfg.OutputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	bands := make([]Band, 0, len(parts))
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return bands, err
		}
		band, err := r.stitch(ctx, p)
		if err != nil {
			return bands, fmt.Errorf("stitching %s (first tile %d): %w", p.Label, p.FirstIndex, err)
		}
		bands = append(bands, band)
		fmt.Fprintln(r.cfg.Out, progress.StitchLine(p.Index+1, p.Label, band.Elapsed))
	}

	for i := range bands {
		labelled := filepath.Join(r.cfg.OutputDir, bands[i].Partition.Label+r.cfg.Ext)
		if err := relabel(bands[i].Path, labelled); err != nil {
			return bands, fmt.Errorf("labelling %s: %w", bands[i].Path, err)
		}
		bands[i].Path = labelled
	}
	return bands, nil
}

// numbered is the temporary name of the k-th band before labelling.
func (r *Runner) numbered(p Partition) string {
	return filepath.Join(r.cfg.OutputDir, "Row_"+strconv.Itoa(p.Index+1)+r.cfg.Ext)
}

func (r *Runner) stitch(ctx context.Context, p Partition) (band Band, err error) {
	start := time.Now()
	log := r.cfg.Logger.With("partition", p.Label, "first", p.FirstIndex)
	store := r.cfg.Store

	spec := engine.GridSpec{
		Dir:            r.cfg.TileDir,
		FilePattern:    r.cfg.FilePattern,
		FirstIndex:     p.FirstIndex,
		Columns:        p.Columns,
		Rows:           p.Rows,
		OverlapPercent: r.cfg.OverlapPercent,
		OutputDir:      r.cfg.WorkDir,
	}
	store.Reclaim()
	planes, err := r.cfg.Stitcher.StitchGrid(ctx, spec)
	if err != nil {
		return band, &engine.EngineError{Op: "stitch", Path: r.cfg.TileDir, FOV: -1, Channel: -1, Err: err}
	}
	log.Debug("grid stitched", "planes", len(planes))

	defer func() {
		if cerr := removePlanes(planes); cerr != nil {
			log.Warn("removing intermediate planes", "error", cerr)
			if err == nil {
				err = cerr
			}
		}
		if err != nil {
			if cerr := store.CloseAll(ctx); cerr != nil {
				log.Error("closing images after failure", "error", cerr)
			}
			store.Reclaim()
		}
	}()

	byChannel := map[int][]engine.PlaneFile{}
	var channels []int
	for _, pf := range planes {
		if _, ok := byChannel[pf.Channel]; !ok {
			channels = append(channels, pf.Channel)
		}
		byChannel[pf.Channel] = append(byChannel[pf.Channel], pf)
	}
	if len(channels) == 0 {
		return band, &engine.EngineError{Op: "stitch", Path: r.cfg.TileDir, FOV: -1, Channel: -1,
			Err: errors.New("stitcher produced no planes")}
	}
	sort.Ints(channels)

	var layers []engine.ColorLayer
	for _, c := range channels {
		files := byChannel[c]
		sort.Slice(files, func(i, j int) bool { return files[i].Slice < files[j].Slice })

		color := r.color(c)
		var opened []engine.Image
		for _, pf := range files {
			img, err := store.Open(ctx, pf.Path)
			if err != nil {
				return band, &engine.EngineError{Op: "open", Path: pf.Path, FOV: -1, Channel: c, Err: err}
			}
			if err := engine.WaitReady(ctx, img, r.cfg.PollInterval, r.cfg.OpenTimeout); err != nil {
				return band, err
			}
			opened = append(opened, img)
		}
		stack, err := store.Stack(ctx, "Stack_"+color.String(), opened)
		if err != nil {
			return band, &engine.EngineError{Op: "stack", FOV: -1, Channel: c, Err: err}
		}
		store.Reclaim()
		layers = append(layers, engine.ColorLayer{Image: stack, Channel: c, Color: color})
	}

	output := layers[0].Image
	if len(layers) > 1 {
		merged, err := store.Merge(ctx, "Composite", layers)
		if err != nil {
			return band, &engine.EngineError{Op: "merge", FOV: -1, Channel: -1, Err: err}
		}
		output = merged
	}

	path := r.numbered(p)
	written, err := store.Save(ctx, output, path)
	if err != nil {
		return band, &engine.EngineError{Op: "save", Path: path, FOV: -1, Channel: -1, Err: err}
	}
	if err := store.CloseAll(ctx); err != nil {
		return band, &engine.EngineError{Op: "close", FOV: -1, Channel: -1, Err: err}
	}
	store.Reclaim()

	band = Band{Partition: p, Path: path, Planes: len(planes), Bytes: written, Elapsed: time.Since(start)}
	log.Info("partition stitched", "path", path, "planes", len(planes), "elapsed", band.Elapsed)
	return band, nil
}

func (r *Runner) color(channel int) models.ChannelColor {
	if channel >= 1 && channel <= len(r.cfg.Colors) && r.cfg.Colors[channel-1] != models.Unset {
		return r.cfg.Colors[channel-1]
	}
	return models.Gray
}

// relabel moves from to to, along with companion files named from plus a
// suffix (the engine's metadata sidecars).
func relabel(from, to string) error {
	if err := atomic.ReplaceFile(from, to); err != nil {
		return err
	}
	dir, base := filepath.Split(from)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, base+".") {
			continue
		}
		if err := atomic.ReplaceFile(filepath.Join(dir, name), to+strings.TrimPrefix(name, base)); err != nil {
			return err
		}
	}
	return nil
}

func removePlanes(planes []engine.PlaneFile) error {
	var errs []error
	for _, pf := range planes {
		if err := os.Remove(pf.Path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
