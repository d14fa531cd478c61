package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"hyperstacker/pkg/config"
	"hyperstacker/pkg/engine/local"
	"hyperstacker/pkg/logging"
	"hyperstacker/pkg/pipeline"
	"hyperstacker/pkg/progress"
	"hyperstacker/pkg/serpentine"
)

var version = "0.3.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "hyperstacker",
		Short: "Assemble EVOS single-plane exports into FOV hyperstacks and stitched mosaics",
		Long: `hyperstacker catalogs the single-plane TIFFs written by an EVOS imager,
merges them into one multi-channel, multi-slice hyperstack per field of view,
renames the hyperstacks from acquisition order into stitching order, stitches
row bands of the tile grid and projects the bands for analysis.

An experiment directory holds a "Raw Images" folder; every step writes into a
sibling folder of it.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", "hyperstacker.yaml", "Configuration file (.yaml or .toml)")
	rootCmd.PersistentFlags().String("log-level", "", "Override the configured log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().Bool("images", false, "Print a progress line for every opened image")

	runCmd := &cobra.Command{
		Use:   "run <experiment-dir>",
		Short: "Run merge, rename, stitch and project over an experiment directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runPipeline,
	}
	runCmd.Flags().StringSlice("steps", []string{"merge", "rename", "stitch", "project"}, "Steps to run")

	mergeCmd := &cobra.Command{
		Use:   "merge <raw-dir>",
		Short: "Merge raw frames into one hyperstack per field of view",
		Args:  cobra.ExactArgs(1),
		RunE:  runMerge,
	}
	mergeCmd.Flags().String("out", "", "Output directory (default: <raw-dir><outputSuffix>)")

	renameCmd := &cobra.Command{
		Use:   "rename <dir>",
		Short: "Rename FOV hyperstacks from acquisition order into stitching order",
		Args:  cobra.ExactArgs(1),
		RunE:  runRename,
	}

	stitchCmd := &cobra.Command{
		Use:   "stitch <tile-dir>",
		Short: "Stitch the configured row partitions of a renamed tile directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runStitch,
	}
	stitchCmd.Flags().String("out", "", "Output directory (default: sibling <tile-dir>_Stitched)")

	projectCmd := &cobra.Command{
		Use:   "project <dir>",
		Short: "Write a maximum Z projection of every volume in a directory",
		Args:  cobra.ExactArgs(1),
		RunE:  runProject,
	}
	projectCmd.Flags().String("out", "", "Output directory (default: sibling \""+pipeline.ProcessedDirName+"\")")

	planCmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the partition plan of the configured grid",
		Args:  cobra.NoArgs,
		RunE:  runPlan,
	}

	presetsCmd := &cobra.Command{
		Use:   "presets",
		Short: "List the built-in serpentine tables",
		Args:  cobra.NoArgs,
		RunE:  runPresets,
	}

	initCmd := &cobra.Command{
		Use:   "init-config [path]",
		Short: "Write a configuration file with default values",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runInitConfig,
	}

	rootCmd.AddCommand(runCmd, mergeCmd, renameCmd, stitchCmd, projectCmd, planCmd, presetsCmd, initCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// env is what every processing command needs.
type env struct {
	cfg    *config.Config
	log    *slog.Logger
	closer io.Closer
	runID  string
	pipe   *pipeline.Pipeline
}

func setup(cmd *cobra.Command) (*env, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s:\n%w", path, err)
	}

	runID := logging.NewRunID()
	logger, closer, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		JSON:       cfg.Logging.JSON,
	}, runID)
	if err != nil {
		return nil, err
	}

	store := local.NewStore(logger)
	store.Async = cfg.Engine.AsyncOpen
	images, _ := cmd.Flags().GetBool("images")

	pipe := pipeline.New(&pipeline.Params{
		Config:    cfg,
		Store:     store,
		Stitcher:  &local.Stitcher{Logger: logger},
		Projector: local.Projector{},
		RunID:     runID,
		Out:       cmd.OutOrStdout(),
		Reporter:  &progress.Printer{W: cmd.OutOrStdout(), Images: images},
		Logger:    logger,
	})
	logger.Debug("configuration loaded", "path", path, "version", version)
	return &env{cfg: cfg, log: logger, closer: closer, runID: runID, pipe: pipe}, nil
}

func (e *env) Close() {
	if err := e.closer.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "closing log file: %v\n", err)
	}
}

func banner(w io.Writer, title string) {
	fmt.Fprintln(w, "================================")
	fmt.Fprintln(w, title)
	fmt.Fprintln(w, "================================")
}

func runPipeline(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	names, _ := cmd.Flags().GetStringSlice("steps")
	var steps pipeline.Steps
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "merge":
			steps.Merge = true
		case "rename":
			steps.Rename = true
		case "stitch":
			steps.Stitch = true
		case "project":
			steps.Project = true
		default:
			return fmt.Errorf("unknown step %q (want merge, rename, stitch or project)", name)
		}
	}

	banner(cmd.OutOrStdout(), "HYPERSTACK ASSEMBLY: "+filepath.Base(args[0]))
	_, err = e.pipe.Process(cmd.Context(), args[0], steps)
	return err
}

func runMerge(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	raw := filepath.Clean(args[0])
	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		out = raw + e.cfg.Catalog.OutputSuffix
	}
	_, _, err = e.pipe.Merge(cmd.Context(), raw, out)
	return err
}

func runRename(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	m, err := e.pipe.Rename(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Files renamed: %d Manifest: %s\n", len(m.Moves),
		filepath.Join(args[0], serpentine.ManifestName))
	return nil
}

func runStitch(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	tiles := filepath.Clean(args[0])
	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		out = filepath.Join(filepath.Dir(tiles), pipeline.StitchedDirName)
	}
	_, err = e.pipe.Stitch(cmd.Context(), tiles, out)
	return err
}

func runProject(cmd *cobra.Command, args []string) error {
	e, err := setup(cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	src := filepath.Clean(args[0])
	out, _ := cmd.Flags().GetString("out")
	if out == "" {
		out = filepath.Join(filepath.Dir(src), pipeline.ProcessedDirName)
	}
	_, err = e.pipe.Project(cmd.Context(), src, out)
	return err
}

func runPlan(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}
	parts, err := cfg.Partitions()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PARTITION\tFIRST TILE\tROWS\tCOLUMNS\tLABEL")
	for _, p := range parts {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%s\n", p.Index+1, p.FirstIndex, p.Rows, p.Columns, p.Label)
	}
	return w.Flush()
}

func runPresets(cmd *cobra.Command, _ []string) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tGRID\tDESCRIPTION")
	for _, name := range serpentine.Presets() {
		t, err := serpentine.Preset(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\t%dx%d\t%s\n", t.Name, t.Columns, t.Rows, t.Description)
	}
	return w.Flush()
}

func runInitConfig(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := config.CreateDefaultConfigFile(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", path)
	return nil
}
