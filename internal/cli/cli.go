package cli

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"imgreg/internal/config"
	"imgreg/internal/fsutil"
	"imgreg/internal/pipeline"
	"imgreg/internal/server"
	"imgreg/internal/session"
	"imgreg/internal/storage"
	"imgreg/internal/watch"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, addr string, watchDirs []string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, watchDirs []string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	real, ok := pipe.(*pipeline.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline does not support server operation")
	}

	manager := session.NewManager(store, log)
	srv := server.NewServer(addr, store, real, manager, log)

	if len(watchDirs) > 0 {
		w, err := watch.New(watchDirs, 0, log)
		if err != nil {
			return fmt.Errorf("start control point watcher: %w", err)
		}
		defer w.Stop()
		go func() {
			for ev := range w.Events {
				current, err := manager.CurrentControlPointsPath()
				if err != nil || current != ev.Path {
					continue
				}
				if _, err := manager.ReloadCurrent(); err != nil {
					log.Warn("reload after external edit failed", "path", ev.Path, "error", err)
				}
			}
		}()
	}

	return srv.Start(ctx)
}

type arrayFlag []string

func (i *arrayFlag) String() string {
	return fmt.Sprint(*i)
}

func (i *arrayFlag) Set(value string) error {
	*i = append(*i, value)
	return nil
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline pipelineClient
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	serveFn  serverFunc
}

// NewRoot constructs the CLI root command.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
	}
}

// Run parses args and dispatches to subcommands.
func (r *Root) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		r.usage()
		return nil
	}

	// Global help handling
	if args[0] == "--help" || args[0] == "-h" || args[0] == "help" {
		if len(args) == 1 {
			r.usage()
			return nil
		}
		return r.showCommandHelp(args[1])
	}

	switch args[0] {
	case "fit":
		return r.cmdFit(ctx, args[1:])
	case "batch":
		return r.cmdBatch(ctx, args[1:])
	case "warp":
		return r.cmdWarp(ctx, args[1:])
	case "coords":
		return r.cmdCoords(ctx, args[1:])
	case "match":
		return r.cmdMatch(ctx, args[1:])
	case "serve":
		return r.cmdServe(ctx, args[1:])
	case "config":
		return r.cmdConfig(ctx, args[1:])
	case "version":
		return r.cmdVersion()
	default:
		r.log.Error("unknown command", "command", args[0])
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func (r *Root) cmdFit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fit", flag.ContinueOnError)
	output := fs.String("output", "", "transform output path (default: <input stem>.json)")
	transformType := fs.String("type", "", "transform family (euclidean|similarity|affine)")
	pre := fs.String("pre", "", "pre transform JSON applied before the fitted transform")
	post := fs.String("post", "", "post transform JSON applied after the fitted transform")
	if err := fs.Parse(args); err != nil {
		return err
	}
	input := fs.Arg(0)
	if input == "" {
		return fmt.Errorf("fit requires a control point CSV")
	}
	if *output == "" {
		*output = filepath.Join(filepath.Dir(input), fsutil.Stem(input)+".json")
	}

	job := pipeline.Job{
		ID:        newID("fit"),
		Type:      pipeline.JobFit,
		InputPath: input,
		Output:    *output,
		Options: map[string]any{
			"type":   *transformType,
			"pre":    *pre,
			"post":   *post,
			"source": "cli",
		},
	}
	res, err := r.enqueueAndCollect(ctx, job)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "fitted %v transform from %v points, RMSE %v -> %s\n",
		res.Meta["transform_type"], res.Meta["point_count"], res.Meta["rmse"], *output)
	return nil
}

func (r *Root) cmdBatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("batch", flag.ContinueOnError)
	target := fs.String("target", "", "target image directory (required)")
	control := fs.String("control", "", "control point CSV directory (required)")
	output := fs.String("output", r.cfg.Paths.DefaultOutput, "transform output directory")
	coords := fs.String("coords", "", "coordinate CSV directory matched alongside the sources")
	outCoords := fs.String("out-coords", "", "directory for warped coordinate CSVs")
	strategy := fs.String("strategy", "", "pair matching strategy (alphabetical|filename|regex)")
	pattern := fs.String("pattern", "", "key pattern for the regex strategy")
	transformType := fs.String("type", "", "transform family (euclidean|similarity|affine)")
	pre := fs.String("pre", "", "pre transform JSON")
	post := fs.String("post", "", "post transform JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	source := fs.Arg(0)
	if source == "" {
		return fmt.Errorf("batch requires a source image directory")
	}
	if *target == "" {
		return fmt.Errorf("batch requires --target")
	}
	if *control == "" {
		return fmt.Errorf("batch requires --control")
	}

	job := pipeline.Job{
		ID:        newID("batch"),
		Type:      pipeline.JobBatch,
		InputPath: source,
		Output:    *output,
		Options: map[string]any{
			"targetDir":    *target,
			"controlDir":   *control,
			"coordsDir":    *coords,
			"outCoordsDir": *outCoords,
			"strategy":     *strategy,
			"pattern":      *pattern,
			"type":         *transformType,
			"pre":          *pre,
			"post":         *post,
			"source":       "cli",
		},
	}
	res, err := r.enqueueAndCollect(ctx, job)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "fitted %v of %v pairs -> %s\n",
		res.Meta["fitted"], res.Meta["pair_count"], *output)
	return nil
}

func (r *Root) cmdWarp(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("warp", flag.ContinueOnError)
	tf := fs.String("transform", "", "fitted transform JSON (required)")
	output := fs.String("output", "", "output image path (default: <input stem>_warped.png)")
	width := fs.Int("width", 0, "output canvas width in pixels")
	height := fs.Int("height", 0, "output canvas height in pixels")
	target := fs.String("target", "", "target image whose dimensions set the canvas size")
	background := fs.String("background", "", "background color for out-of-frame pixels")
	if err := fs.Parse(args); err != nil {
		return err
	}
	input := fs.Arg(0)
	if input == "" {
		return fmt.Errorf("warp requires an input image")
	}
	if *tf == "" {
		return fmt.Errorf("warp requires --transform")
	}
	if *output == "" {
		*output = filepath.Join(filepath.Dir(input), fsutil.Stem(input)+"_warped.png")
	}

	job := pipeline.Job{
		ID:        newID("warp"),
		Type:      pipeline.JobWarp,
		InputPath: input,
		Output:    *output,
		Options: map[string]any{
			"transform":  *tf,
			"width":      *width,
			"height":     *height,
			"target":     *target,
			"background": *background,
			"source":     "cli",
		},
	}
	res, err := r.enqueueAndCollect(ctx, job)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "warped %s -> %v (%vx%v)\n",
		input, res.Meta["output"], res.Meta["width"], res.Meta["height"])
	return nil
}

func (r *Root) cmdCoords(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("coords", flag.ContinueOnError)
	tf := fs.String("transform", "", "fitted transform JSON (required)")
	output := fs.String("output", "", "output CSV path (default: <input stem>_warped.csv)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	input := fs.Arg(0)
	if input == "" {
		return fmt.Errorf("coords requires an input CSV")
	}
	if *tf == "" {
		return fmt.Errorf("coords requires --transform")
	}
	if *output == "" {
		*output = filepath.Join(filepath.Dir(input), fsutil.Stem(input)+"_warped.csv")
	}

	job := pipeline.Job{
		ID:        newID("coords"),
		Type:      pipeline.JobCoords,
		InputPath: input,
		Output:    *output,
		Options: map[string]any{
			"transform": *tf,
			"source":    "cli",
		},
	}
	res, err := r.enqueueAndCollect(ctx, job)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "warped %v coordinate rows -> %s\n", res.Meta["rows"], *output)
	return nil
}

func (r *Root) cmdMatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("match", flag.ContinueOnError)
	target := fs.String("target", "", "target image directory (required)")
	coords := fs.String("coords", "", "coordinate CSV directory matched alongside the sources")
	strategy := fs.String("strategy", "", "pair matching strategy (alphabetical|filename|regex)")
	pattern := fs.String("pattern", "", "key pattern for the regex strategy")
	if err := fs.Parse(args); err != nil {
		return err
	}
	source := fs.Arg(0)
	if source == "" {
		return fmt.Errorf("match requires a source image directory")
	}
	if *target == "" {
		return fmt.Errorf("match requires --target")
	}

	job := pipeline.Job{
		ID:        newID("match"),
		Type:      pipeline.JobMatch,
		InputPath: source,
		Options: map[string]any{
			"targetDir": *target,
			"coordsDir": *coords,
			"strategy":  *strategy,
			"pattern":   *pattern,
			"source":    "cli",
		},
	}
	res, err := r.enqueueAndCollect(ctx, job)
	if err != nil {
		return err
	}
	pairs, _ := res.Meta["pairs"].([]map[string]any)
	fmt.Fprintf(os.Stdout, "%v pairs matched\n", res.Meta["pair_count"])
	for _, p := range pairs {
		fmt.Fprintf(os.Stdout, "  %s: %s -> %s\n", p["name"], p["source"], p["target"])
		if c, ok := p["coords"]; ok {
			fmt.Fprintf(os.Stdout, "    coords: %s\n", c)
		}
	}
	return nil
}

func (r *Root) cmdServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	addr := fs.String("addr", r.cfg.Server.Addr, "listen address")
	var watchDirs arrayFlag
	fs.Var(&watchDirs, "watch", "control point directory to watch for external edits (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return r.serveFn(ctx, *addr, watchDirs, r.store, r.pipeline, r.log)
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) error {
	_, err := r.enqueueAndCollect(ctx, job)
	return err
}

func (r *Root) enqueueAndCollect(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func (r *Root) usage() {
	fmt.Fprintf(os.Stdout, `imgreg - Control point image registration

Usage:
  imgreg <command> [options] [arguments]

Registration Commands:
  fit          Fit a transform from a matched control point CSV
  batch        Match two image directories and fit every annotated pair
  warp         Resample an image through a fitted transform
  coords       Warp the coordinate columns of a CSV
  match        Pair two image directories without fitting

Utility Commands:
  serve        Start the HTTP API and editing session server
  config       Manage configuration settings
  version      Show version information

Global Options:
  --help, -h   Show help for command

Examples:
  imgreg match /slides/source/ --target /slides/target/
  imgreg batch /slides/source/ --target /slides/target/ --control /slides/points/ --output /slides/transforms/
  imgreg fit points/slide01.csv --type euclidean --output transforms/slide01.json
  imgreg warp source/slide01.tif --transform transforms/slide01.json --target target/slide01.tif
  imgreg serve --addr :8790 --watch /slides/points/

For detailed help on any command:
  imgreg help <command>
`)
}

func (r *Root) showCommandHelp(cmd string) error {
	switch cmd {
	case "fit":
		fmt.Fprintf(os.Stdout, "Usage: imgreg fit <control_points.csv> [options]\nFit a transform from matched source/target control points.\nOptions:\n  --type NAME      Transform family (euclidean|similarity|affine)\n  --pre PATH       Pre transform JSON applied before the fit\n  --post PATH      Post transform JSON applied after the fit\n  --output PATH    Transform output path\nExamples:\n  imgreg fit points/slide01.csv --type affine --output transforms/slide01.json\n")
	case "batch":
		fmt.Fprintf(os.Stdout, "Usage: imgreg batch <source_dir> [options]\nMatch two image directories and fit every pair with control points.\nOptions:\n  --target DIR     Target image directory (required)\n  --control DIR    Control point CSV directory (required)\n  --output DIR     Transform output directory (default: %s)\n  --coords DIR     Coordinate CSVs matched alongside the sources\n  --out-coords DIR Warped coordinate output directory\n  --strategy NAME  Matching strategy (alphabetical|filename|regex)\n  --pattern RE     Key pattern for the regex strategy\nExamples:\n  imgreg batch /slides/source/ --target /slides/target/ --control /slides/points/\n", r.cfg.Paths.DefaultOutput)
	case "warp":
		fmt.Fprintf(os.Stdout, "Usage: imgreg warp <input_image> [options]\nResample an image through a fitted transform.\nOptions:\n  --transform PATH Fitted transform JSON (required)\n  --target PATH    Target image whose size sets the output canvas\n  --width N        Output canvas width\n  --height N       Output canvas height\n  --background C   Background color for out-of-frame pixels\n  --output PATH    Output image path\nExamples:\n  imgreg warp source/slide01.tif --transform transforms/slide01.json --target target/slide01.tif\n")
	case "coords":
		fmt.Fprintf(os.Stdout, "Usage: imgreg coords <input.csv> [options]\nWarp the x/y columns of a coordinate CSV, leaving other columns alone.\nOptions:\n  --transform PATH Fitted transform JSON (required)\n  --output PATH    Output CSV path\nExamples:\n  imgreg coords cells/slide01.csv --transform transforms/slide01.json\n")
	case "match":
		fmt.Fprintf(os.Stdout, "Usage: imgreg match <source_dir> [options]\nPair two image directories and print the result without fitting.\nOptions:\n  --target DIR     Target image directory (required)\n  --coords DIR     Coordinate CSVs matched alongside the sources\n  --strategy NAME  Matching strategy (alphabetical|filename|regex)\n  --pattern RE     Key pattern for the regex strategy\nExamples:\n  imgreg match /slides/source/ --target /slides/target/ --strategy regex --pattern 'slide[0-9]+'\n")
	case "serve":
		fmt.Fprintf(os.Stdout, "Usage: imgreg serve [options]\nStart the HTTP API with the interactive editing session.\nOptions:\n  --addr ADDR      Listen address (default: %s)\n  --watch DIR      Control point directory to watch (repeatable)\nExamples:\n  imgreg serve --addr :8790 --watch /slides/points/\n", r.cfg.Server.Addr)
	case "config":
		fmt.Fprintf(os.Stdout, "Usage: imgreg config <subcommand>\nManage configuration settings.\nSubcommands:\n  show             Display current configuration\n  validate         Validate configuration\nExamples:\n  imgreg config show\n")
	default:
		r.usage()
	}
	return nil
}

func newID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.Intn(10000))
}
