// Package pipeline drives a whole experiment through the processing steps:
// merging raw frames into FOV hyperstacks, renaming them into stitching
// order, stitching row bands and projecting the bands.
//
// An experiment directory is laid out as
//
//	<exp>/Raw Images/                     raw frames from the imager
//	<exp>/Raw Images_Merged/              FOV_<n>.tif, then Image_<m>.tif
//	<exp>/Raw Images_Stitched/            Row_<start>_<end>.tif
//	<exp>/Processed Images for Analysis/  MAX_Row_<start>_<end>.tif
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"hyperstacker/pkg/catalog"
	"hyperstacker/pkg/config"
	"hyperstacker/pkg/engine"
	"hyperstacker/pkg/grouping"
	"hyperstacker/pkg/mosaic"
	"hyperstacker/pkg/progress"
	"hyperstacker/pkg/projection"
	"hyperstacker/pkg/serpentine"
)

// Directory names inside an experiment directory.
const (
	RawDirName       = "Raw Images"
	StitchedDirName  = "Raw Images_Stitched"
	ProcessedDirName = "Processed Images for Analysis"
	workDirName      = "stitch-work"
)

// Dirs are the directories of one experiment.
type Dirs struct {
	Raw       string
	Merged    string
	Stitched  string
	Processed string
}

// Layout returns the directories of the experiment at root. The merge output
// is the raw directory name followed by outputSuffix.
func Layout(root, outputSuffix string) Dirs {
	if outputSuffix == "" {
		outputSuffix = "_Merged"
	}
	return Dirs{
		Raw:       filepath.Join(root, RawDirName),
		Merged:    filepath.Join(root, RawDirName+outputSuffix),
		Stitched:  filepath.Join(root, StitchedDirName),
		Processed: filepath.Join(root, ProcessedDirName),
	}
}

// Steps selects which steps Process runs.
type Steps struct {
	Merge   bool
	Rename  bool
	Stitch  bool
	Project bool
}

// AllSteps runs everything.
var AllSteps = Steps{Merge: true, Rename: true, Stitch: true, Project: true}

// Params holds everything a run needs.
type Params struct {
	Config *config.Config

	Store     engine.ImageStore
	Stitcher  engine.Stitcher
	Projector engine.Projector

	RunID string

	// Out receives the step banners and progress lines
	Out io.Writer

	// Reporter receives per-image and per-FOV progress; nil prints FOV lines to Out
	Reporter progress.Reporter
	Logger   *slog.Logger
}

// StepTiming records how long one step took.
type StepTiming struct {
	Name    string
	Elapsed time.Duration
}

// Summary describes a finished run.
type Summary struct {
	Steps      []StepTiming
	Catalog    *catalog.Catalog
	Merge      *grouping.Result
	Manifest   *serpentine.Manifest
	Bands      []mosaic.Band
	Projection *projection.Result
	Total      time.Duration
}

// Pipeline runs the steps of an experiment.
type Pipeline struct {
	params *Params
	out    io.Writer
	log    *slog.Logger
}

// New creates a pipeline. The configuration must already be valid.
func New(params *Params) *Pipeline {
	out := params.Out
	if out == nil {
		out = io.Discard
	}
	log := params.Logger
	if log == nil {
		log = slog.Default()
	}
	if params.Reporter == nil {
		params.Reporter = &progress.Printer{W: out}
	}
	return &Pipeline{params: params, out: out, log: log}
}

// Process runs the selected steps over the experiment at root.
func (p *Pipeline) Process(ctx context.Context, root string, steps Steps) (*Summary, error) {
	cfg := p.params.Config
	dirs := Layout(root, cfg.Catalog.OutputSuffix)
	start := time.Now()
	sum := &Summary{}

	timed := func(name string, fn func() error) error {
		t := time.Now()
		err := fn()
		sum.Steps = append(sum.Steps, StepTiming{Name: name, Elapsed: time.Since(t)})
		return err
	}

	step := 0
	banner := func(msg string) {
		step++
		fmt.Fprintf(p.out, "Step %d: %s\n", step, msg)
	}

	if steps.Merge {
		banner("Merging raw images into FOV hyperstacks...")
		err := timed("merge", func() error {
			cat, res, err := p.Merge(ctx, dirs.Raw, dirs.Merged)
			sum.Catalog, sum.Merge = cat, res
			return err
		})
		if err != nil {
			return sum, err
		}
	}

	if steps.Rename {
		banner("Renaming FOVs into stitching order...")
		err := timed("rename", func() error {
			m, err := p.Rename(dirs.Merged)
			sum.Manifest = m
			return err
		})
		if err != nil {
			return sum, err
		}
	}

	if steps.Stitch {
		banner("Stitching row partitions...")
		err := timed("stitch", func() error {
			bands, err := p.Stitch(ctx, dirs.Merged, dirs.Stitched)
			sum.Bands = bands
			return err
		})
		if err != nil {
			return sum, err
		}
	}

	if steps.Project && cfg.Projection.Enabled {
		banner("Projecting stitched images...")
		err := timed("project", func() error {
			res, err := p.Project(ctx, dirs.Stitched, dirs.Processed)
			sum.Projection = res
			return err
		})
		if err != nil {
			return sum, err
		}
	}

	sum.Total = time.Since(start)
	p.report(sum, start)
	return sum, nil
}

// Merge catalogs rawDir and writes one hyperstack per FOV into outDir.
func (p *Pipeline) Merge(ctx context.Context, rawDir, outDir string) (*catalog.Catalog, *grouping.Result, error) {
	cfg := p.params.Config
	start := time.Now()

	cat, err := catalog.Scan(rawDir, catalog.Options{
		ExcludeDir: filepath.Base(outDir),
		NameKey:    cfg.NameKey,
		Extensions: cfg.Catalog.Extensions,
		Logger:     p.log,
	})
	if err != nil {
		return nil, nil, err
	}
	if n := len(cat.Skipped); n > 0 {
		p.log.Info("files left out of catalog", "count", n)
	}
	if cat.Len() == 0 {
		return cat, nil, fmt.Errorf("no frames found in %s", rawDir)
	}
	if cfg.Catalog.StrictDensity {
		if err := cat.CheckDensity(); err != nil {
			return cat, nil, err
		}
	}
	totals := cat.Totals()
	p.log.Info("catalog ready", "frames", cat.Len(), "fovs", totals.FOVs(),
		"channels", totals.Channels(), "slices", totals.Slices())

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return cat, nil, fmt.Errorf("creating %s: %w", outDir, err)
	}
	m := grouping.New(grouping.Params{
		Store:        p.params.Store,
		Channels:     cfg.Assignments(),
		OutputDir:    outDir,
		PollInterval: cfg.Engine.PollInterval.Duration,
		OpenTimeout:  cfg.Engine.OpenTimeout.Duration,
		Reporter:     p.params.Reporter,
		Logger:       p.log,
	})
	res, err := m.Run(ctx, cat)
	if err != nil {
		return cat, nil, err
	}
	fmt.Fprintln(p.out, progress.MergeSummary(res.ImagesOpened, len(res.Volumes), res.BytesWritten, time.Since(start)))
	return cat, res, nil
}

// Rename maps the FOV files in dir to stitching order.
func (p *Pipeline) Rename(dir string) (*serpentine.Manifest, error) {
	cfg := p.params.Config
	mapper, err := cfg.Mapper()
	if err != nil {
		return nil, err
	}
	n, err := CountTiles(dir, cfg.Serpentine.FromPrefix, ".tif")
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("no %s<n>.tif files in %s", cfg.Serpentine.FromPrefix, dir)
	}
	perm, err := mapper.Permutation(n)
	if err != nil {
		return nil, err
	}
	p.log.Info("renaming tiles", "tiles", n, "mapper", mapper.Describe())
	return serpentine.Apply(perm, serpentine.RenameOptions{
		Dir:        dir,
		FromPrefix: cfg.Serpentine.FromPrefix,
		ToPrefix:   cfg.Serpentine.ToPrefix,
		Ext:        ".tif",
		RunID:      p.params.RunID,
		Mapper:     mapper.Describe(),
		Logger:     p.log,
	})
}

// Stitch stitches the configured partitions of the tiles in tileDir into outDir.
func (p *Pipeline) Stitch(ctx context.Context, tileDir, outDir string) ([]mosaic.Band, error) {
	cfg := p.params.Config
	parts, err := cfg.Partitions()
	if err != nil {
		return nil, err
	}
	runner := mosaic.NewRunner(mosaic.RunnerConfig{
		Stitcher:       p.params.Stitcher,
		Store:          p.params.Store,
		Colors:         cfg.StitchColors(),
		TileDir:        tileDir,
		FilePattern:    cfg.Serpentine.ToPrefix + "{i}.tif",
		OverlapPercent: cfg.Grid.TileOverlapPercent,
		WorkDir:        filepath.Join(outDir, workDirName),
		OutputDir:      outDir,
		PollInterval:   cfg.Engine.PollInterval.Duration,
		OpenTimeout:    cfg.Engine.OpenTimeout.Duration,
		Out:            p.out,
		Logger:         p.log,
	})
	bands, err := runner.Run(ctx, parts)
	if err != nil {
		return bands, err
	}
	if err := os.Remove(filepath.Join(outDir, workDirName)); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.log.Warn("stitch work directory not removed", "error", err)
	}
	return bands, nil
}

// Project writes a maximum projection of every volume in srcDir into dstDir.
func (p *Pipeline) Project(ctx context.Context, srcDir, dstDir string) (*projection.Result, error) {
	cfg := p.params.Config
	return projection.Dir(ctx, srcDir, dstDir, projection.Options{
		Projector:  p.params.Projector,
		Prefix:     cfg.Projection.Prefix,
		Extensions: cfg.Catalog.Extensions,
		Preview:    cfg.Projection.Preview,
		Out:        p.out,
		Logger:     p.log,
	})
}

// CountTiles returns one more than the highest n of prefix<n>ext files in
// dir, so a gap in the numbering surfaces when the tiles are renamed.
func CountTiles(dir, prefix, ext string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", dir, err)
	}
	n := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ext))
		if err != nil || idx < 0 {
			continue
		}
		if idx+1 > n {
			n = idx + 1
		}
	}
	return n, nil
}

func (p *Pipeline) report(sum *Summary, start time.Time) {
	for _, s := range sum.Steps {
		fmt.Fprintf(p.out, "Total %s time (min): %s\n", s.Name, progress.Minutes(s.Elapsed))
	}
	if len(sum.Bands) > 0 {
		secs := make([]float64, len(sum.Bands))
		for i, b := range sum.Bands {
			secs[i] = b.Elapsed.Seconds()
		}
		mean, std := stat.MeanStdDev(secs, nil)
		fmt.Fprintf(p.out, "Stitching time per image (s): mean %.1f, std %.1f\n", mean, std)
	}
	fmt.Fprintf(p.out, "Total run time (min): %s\n", progress.Minutes(sum.Total))
	p.log.Info("run finished", "started", progress.Since(start), "elapsed", sum.Total)
}
