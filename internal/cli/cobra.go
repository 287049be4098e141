package cli

import (
	"log/slog"
	"path/filepath"

	"imgreg/internal/config"
	"imgreg/internal/fsutil"
	"imgreg/internal/pipeline"
	"imgreg/internal/storage"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	root := NewRoot(pipe, cfg, log, store)

	rootCmd := &cobra.Command{
		Use:   "imgreg",
		Short: "imgreg registers image pairs from manually placed control points",
		Long: `imgreg fits euclidean, similarity, or affine transforms from corresponding
control points marked on source/target image pairs, and applies them to
images and coordinate tables.`,
	}

	rootCmd.AddCommand(newFitCmd(root))
	rootCmd.AddCommand(newBatchCmd(root))
	rootCmd.AddCommand(newWarpCmd(root))
	rootCmd.AddCommand(newCoordsCmd(root))
	rootCmd.AddCommand(newMatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newFitCmd(root *Root) *cobra.Command {
	var (
		output        string
		transformType string
		pre           string
		post          string
	)

	cmd := &cobra.Command{
		Use:   "fit <control_points.csv>",
		Short: "Fit a transform from a matched control point CSV",
		Long: `Fit a transform from corresponding control points by least squares.
The CSV holds one point per row with source and target coordinates.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if output == "" {
				output = filepath.Join(filepath.Dir(input), fsutil.Stem(input)+".json")
			}

			job := pipeline.Job{
				ID:        newID("fit"),
				Type:      pipeline.JobFit,
				InputPath: input,
				Output:    output,
				Options: map[string]any{
					"type":   transformType,
					"pre":    pre,
					"post":   post,
					"source": "cli",
				},
			}
			res, err := root.enqueueAndCollect(cmd.Context(), job)
			if err != nil {
				return err
			}
			cmd.Printf("fitted %v transform from %v points, RMSE %v -> %s\n",
				res.Meta["transform_type"], res.Meta["point_count"], res.Meta["rmse"], output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "transform output path (default: <input stem>.json)")
	cmd.Flags().StringVarP(&transformType, "type", "t", "", "transform family (euclidean|similarity|affine)")
	cmd.Flags().StringVar(&pre, "pre", "", "pre transform JSON applied before the fitted transform")
	cmd.Flags().StringVar(&post, "post", "", "post transform JSON applied after the fitted transform")

	return cmd
}

func newBatchCmd(root *Root) *cobra.Command {
	var (
		target        string
		control       string
		output        string
		coords        string
		outCoords     string
		strategy      string
		pattern       string
		transformType string
		pre           string
		post          string
	)

	cmd := &cobra.Command{
		Use:   "batch <source_directory>",
		Short: "Match two image directories and fit every annotated pair",
		Long: `Pair the source directory with a target directory and fit a transform
for every pair whose control point CSV has enough matched points.
Pairs without control points are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}

			job := pipeline.Job{
				ID:        newID("batch"),
				Type:      pipeline.JobBatch,
				InputPath: args[0],
				Output:    output,
				Options: map[string]any{
					"targetDir":    target,
					"controlDir":   control,
					"coordsDir":    coords,
					"outCoordsDir": outCoords,
					"strategy":     strategy,
					"pattern":      pattern,
					"type":         transformType,
					"pre":          pre,
					"post":         post,
					"source":       "cli",
				},
			}
			res, err := root.enqueueAndCollect(cmd.Context(), job)
			if err != nil {
				return err
			}
			cmd.Printf("fitted %v of %v pairs -> %s\n",
				res.Meta["fitted"], res.Meta["pair_count"], output)
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "target image directory (required)")
	cmd.Flags().StringVar(&control, "control", "", "control point CSV directory (required)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "transform output directory")
	cmd.Flags().StringVar(&coords, "coords", "", "coordinate CSV directory matched alongside the sources")
	cmd.Flags().StringVar(&outCoords, "out-coords", "", "directory for warped coordinate CSVs")
	cmd.Flags().StringVar(&strategy, "strategy", "", "pair matching strategy (alphabetical|filename|regex)")
	cmd.Flags().StringVar(&pattern, "pattern", "", "key pattern for the regex strategy")
	cmd.Flags().StringVarP(&transformType, "type", "t", "", "transform family (euclidean|similarity|affine)")
	cmd.Flags().StringVar(&pre, "pre", "", "pre transform JSON")
	cmd.Flags().StringVar(&post, "post", "", "post transform JSON")

	cmd.MarkFlagRequired("target")
	cmd.MarkFlagRequired("control")

	return cmd
}

func newWarpCmd(root *Root) *cobra.Command {
	var (
		tf         string
		output     string
		width      int
		height     int
		target     string
		background string
	)

	cmd := &cobra.Command{
		Use:   "warp <input_image>",
		Short: "Resample an image through a fitted transform",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if output == "" {
				output = filepath.Join(filepath.Dir(input), fsutil.Stem(input)+"_warped.png")
			}

			job := pipeline.Job{
				ID:        newID("warp"),
				Type:      pipeline.JobWarp,
				InputPath: input,
				Output:    output,
				Options: map[string]any{
					"transform":  tf,
					"width":      width,
					"height":     height,
					"target":     target,
					"background": background,
					"source":     "cli",
				},
			}
			res, err := root.enqueueAndCollect(cmd.Context(), job)
			if err != nil {
				return err
			}
			cmd.Printf("warped %s -> %v (%vx%v)\n",
				input, res.Meta["output"], res.Meta["width"], res.Meta["height"])
			return nil
		},
	}

	cmd.Flags().StringVar(&tf, "transform", "", "fitted transform JSON (required)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output image path (default: <input stem>_warped.png)")
	cmd.Flags().IntVar(&width, "width", 0, "output canvas width in pixels")
	cmd.Flags().IntVar(&height, "height", 0, "output canvas height in pixels")
	cmd.Flags().StringVar(&target, "target", "", "target image whose dimensions set the canvas size")
	cmd.Flags().StringVar(&background, "background", "", "background color for out-of-frame pixels")

	cmd.MarkFlagRequired("transform")

	return cmd
}

func newCoordsCmd(root *Root) *cobra.Command {
	var (
		tf     string
		output string
	)

	cmd := &cobra.Command{
		Use:   "coords <input.csv>",
		Short: "Warp the coordinate columns of a CSV",
		Long: `Apply a fitted transform to the x/y columns of a coordinate table,
leaving every other column untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if output == "" {
				output = filepath.Join(filepath.Dir(input), fsutil.Stem(input)+"_warped.csv")
			}

			job := pipeline.Job{
				ID:        newID("coords"),
				Type:      pipeline.JobCoords,
				InputPath: input,
				Output:    output,
				Options: map[string]any{
					"transform": tf,
					"source":    "cli",
				},
			}
			res, err := root.enqueueAndCollect(cmd.Context(), job)
			if err != nil {
				return err
			}
			cmd.Printf("warped %v coordinate rows -> %s\n", res.Meta["rows"], output)
			return nil
		},
	}

	cmd.Flags().StringVar(&tf, "transform", "", "fitted transform JSON (required)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output CSV path (default: <input stem>_warped.csv)")

	cmd.MarkFlagRequired("transform")

	return cmd
}

func newMatchCmd(root *Root) *cobra.Command {
	var (
		target   string
		coords   string
		strategy string
		pattern  string
	)

	cmd := &cobra.Command{
		Use:   "match <source_directory>",
		Short: "Pair two image directories without fitting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("match"),
				Type:      pipeline.JobMatch,
				InputPath: args[0],
				Options: map[string]any{
					"targetDir": target,
					"coordsDir": coords,
					"strategy":  strategy,
					"pattern":   pattern,
					"source":    "cli",
				},
			}
			res, err := root.enqueueAndCollect(cmd.Context(), job)
			if err != nil {
				return err
			}
			pairs, _ := res.Meta["pairs"].([]map[string]any)
			cmd.Printf("%v pairs matched\n", res.Meta["pair_count"])
			for _, p := range pairs {
				cmd.Printf("  %s: %s -> %s\n", p["name"], p["source"], p["target"])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", "", "target image directory (required)")
	cmd.Flags().StringVar(&coords, "coords", "", "coordinate CSV directory matched alongside the sources")
	cmd.Flags().StringVar(&strategy, "strategy", "", "pair matching strategy (alphabetical|filename|regex)")
	cmd.Flags().StringVar(&pattern, "pattern", "", "key pattern for the regex strategy")

	cmd.MarkFlagRequired("target")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr       string
		watchPaths []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and editing session server",
		Long: `Start an HTTP server exposing the registration pipeline and the
interactive point editing session.

Examples:
  # Basic server
  imgreg serve --addr :8790

  # Reload the session when an external editor rewrites control points
  imgreg serve --addr :8790 --watch /slides/points/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.Addr
			}

			root.log.Info("starting server", "addr", addr, "watch_paths", watchPaths)
			return root.serveFn(cmd.Context(), addr, watchPaths, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (host:port)")
	cmd.Flags().StringSliceVar(&watchPaths, "watch", nil, "control point directories to monitor for external edits")

	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate imgreg configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configValidate()
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("imgreg v1.0.0-dev")
		},
	}
}
