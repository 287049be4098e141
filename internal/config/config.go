package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/imgreg/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for the registration pipeline.
type Config struct {
	Processing   Processing   `json:"processing"`
	Logging      Logging      `json:"logging"`
	Paths        Paths        `json:"paths"`
	Registration Registration `json:"registration"`
	Server       Server       `json:"server"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"`
	TempDir      string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// Registration controls how transforms are fit and how image pairs
// are matched.
type Registration struct {
	TransformType    string `json:"transform_type"`    // euclidean, similarity, affine
	MatchingStrategy string `json:"matching_strategy"` // alphabetical, filename, regex
	MatchingPattern  string `json:"matching_pattern"`  // regex strategy only
	PreTransformPath string `json:"pre_transform_path"`
	PostTransformPath string `json:"post_transform_path"`
}

// Server configures the HTTP API.
type Server struct {
	Addr string `json:"addr"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("IMGREG_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "imgreg.db"),
		},
		Registration: Registration{
			TransformType:    "similarity",
			MatchingStrategy: "filename",
		},
		Server: Server{
			Addr: ":8790",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
