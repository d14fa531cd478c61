// Package projection runs a maximum-intensity Z projection over every volume
// in a directory.
package projection

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"hyperstacker/pkg/engine"
	"hyperstacker/pkg/engine/local"
	"hyperstacker/pkg/progress"
	"hyperstacker/pkg/visualization"
)

// Options configures a projection pass.
type Options struct {
	Projector engine.Projector

	// Prefix is prepended to every output name, "MAX_" by default
	Prefix string

	// Extensions lists the volume extensions to project
	Extensions []string

	// Preview also writes a JPEG colour composite next to each projection.
	// It reads the projection back with the local engine's file format.
	Preview bool

	Out    io.Writer
	Logger *slog.Logger
}

// Result lists the projections written.
type Result struct {
	Outputs []string
	Elapsed time.Duration
}

// Dir projects every volume in srcDir into dstDir.
func Dir(ctx context.Context, srcDir, dstDir string, opts Options) (*Result, error) {
	if opts.Projector == nil {
		return nil, fmt.Errorf("projection: no projector")
	}
	if opts.Prefix == "" {
		opts.Prefix = "MAX_"
	}
	if len(opts.Extensions) == 0 {
		opts.Extensions = []string{".tif", ".tiff"}
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	start := time.Now()

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", srcDir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !hasExt(e.Name(), opts.Extensions) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", dstDir, err)
	}

	res := &Result{}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		src := filepath.Join(srcDir, name)
		dst := filepath.Join(dstDir, opts.Prefix+name)
		if err := opts.Projector.ProjectMax(ctx, src, dst); err != nil {
			return res, &engine.EngineError{Op: "project", Path: src, FOV: -1, Channel: -1, Err: err}
		}
		if opts.Preview {
			if err := writePreview(dst); err != nil {
				opts.Logger.Warn("preview not written", "path", dst, "error", err)
			}
		}
		res.Outputs = append(res.Outputs, dst)
		fmt.Fprintf(opts.Out, "Image processed: %s\n", name)
		opts.Logger.Debug("volume projected", "src", src, "dst", dst)
	}

	res.Elapsed = time.Since(start)
	fmt.Fprintf(opts.Out, "Processing time (min): %s\n", progress.Minutes(res.Elapsed))
	return res, nil
}

func hasExt(name string, exts []string) bool {
	for _, ext := range exts {
		if strings.EqualFold(filepath.Ext(name), ext) {
			return true
		}
	}
	return false
}

func writePreview(path string) error {
	vol, err := local.ReadVolume(path)
	if err != nil {
		return err
	}
	viewer := visualization.NewViewer(vol)
	img, err := viewer.ExtractSlice("z", 0)
	if err != nil {
		return err
	}
	return viewer.SaveSlice(img, strings.TrimSuffix(path, filepath.Ext(path))+".jpg")
}
