package cli

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"imgreg/internal/navigator"
	"imgreg/internal/transform"
)

func (r *Root) cmdConfig(ctx context.Context, args []string) error {
	_ = ctx
	if len(args) == 0 {
		return r.configShow()
	}
	switch args[0] {
	case "show":
		return r.configShow()
	case "validate":
		return r.configValidate()
	default:
		return fmt.Errorf("unknown config command: %s", args[0])
	}
}

func (r *Root) configShow() error {
	fmt.Printf("Current configuration:\n")
	cfgPath := os.Getenv("IMGREG_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/imgreg/config.json"
	}
	fmt.Printf("Config file: %s\n", cfgPath)
	fmt.Printf("\nRegistration:\n")
	fmt.Printf("  Transform type: %s\n", r.cfg.Registration.TransformType)
	fmt.Printf("  Matching strategy: %s\n", r.cfg.Registration.MatchingStrategy)
	if r.cfg.Registration.MatchingPattern != "" {
		fmt.Printf("  Matching pattern: %s\n", r.cfg.Registration.MatchingPattern)
	}
	if r.cfg.Registration.PreTransformPath != "" {
		fmt.Printf("  Pre transform: %s\n", r.cfg.Registration.PreTransformPath)
	}
	if r.cfg.Registration.PostTransformPath != "" {
		fmt.Printf("  Post transform: %s\n", r.cfg.Registration.PostTransformPath)
	}
	fmt.Printf("\nProcessing:\n")
	fmt.Printf("  Parallel jobs: %d\n", r.cfg.Processing.ParallelJobs)
	fmt.Printf("  Temp directory: %s\n", r.cfg.Processing.TempDir)
	fmt.Printf("\nPaths:\n")
	fmt.Printf("  Default output: %s\n", r.cfg.Paths.DefaultOutput)
	fmt.Printf("  Database: %s\n", r.cfg.Paths.DatabasePath)
	fmt.Printf("\nServer:\n")
	fmt.Printf("  Address: %s\n", r.cfg.Server.Addr)
	fmt.Printf("\nLogging:\n")
	fmt.Printf("  Level: %s\n", r.cfg.Logging.Level)
	fmt.Printf("  Format: %s\n", r.cfg.Logging.Format)
	fmt.Printf("  Directory: %s\n", r.cfg.Logging.LogDir)
	return nil
}

func (r *Root) configValidate() error {
	if r.cfg.Registration.TransformType != "" {
		if _, err := transform.ParseType(r.cfg.Registration.TransformType); err != nil {
			return fmt.Errorf("registration.transform_type: %w", err)
		}
	}
	if r.cfg.Registration.MatchingStrategy != "" {
		if _, err := navigator.ParseStrategy(r.cfg.Registration.MatchingStrategy); err != nil {
			return fmt.Errorf("registration.matching_strategy: %w", err)
		}
	}
	for _, path := range []string{r.cfg.Registration.PreTransformPath, r.cfg.Registration.PostTransformPath} {
		if path == "" {
			continue
		}
		if _, err := transform.Load(path); err != nil {
			return fmt.Errorf("transform %s: %w", path, err)
		}
	}
	fmt.Println("Configuration is valid")
	return nil
}

func (r *Root) cmdVersion() error {
	fmt.Printf("imgreg v1.0.0-dev\n")
	fmt.Printf("Built with Go %s\n", runtime.Version())
	return nil
}
