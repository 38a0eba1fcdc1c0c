package ingestion

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/jcom-dev/gridweather/internal/apperr"
)

// ModelConfig is one per-model YAML document: where its files live,
// when its cycles run and which fields to keep.
type ModelConfig struct {
	ID      string `yaml:"id"`
	Name    string `yaml:"name"`
	Enabled bool   `yaml:"enabled"`

	Schedule struct {
		Cycles           []int `yaml:"cycles"`
		DelayHours       int   `yaml:"delay_hours"`
		PollIntervalSecs int   `yaml:"poll_interval_secs"`
		LookbackMinutes  int   `yaml:"lookback_minutes"`
	} `yaml:"schedule"`

	Source struct {
		Bucket         string `yaml:"bucket"`
		PrefixTemplate string `yaml:"prefix_template"`
		FilePattern    string `yaml:"file_pattern"`
		Bands          []int  `yaml:"bands,omitempty"`
		Product        string `yaml:"product,omitempty"`
	} `yaml:"source"`

	Parameters    []string `yaml:"parameters"`
	ForecastHours []int    `yaml:"forecast_hours"`
}

// LoadModelConfig parses one model YAML.
func LoadModelConfig(data []byte) (*ModelConfig, error) {
	var cfg ModelConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, apperr.New(apperr.KindParse, "ingestion.modelConfig", err)
	}
	if cfg.ID == "" {
		return nil, apperr.New(apperr.KindParse, "ingestion.modelConfig", fmt.Errorf("model config needs an id"))
	}
	if cfg.Schedule.PollIntervalSecs <= 0 {
		cfg.Schedule.PollIntervalSecs = 300
	}
	return &cfg, nil
}

// LoadModelConfigDir reads every *.yaml / *.yml model document in dir.
func LoadModelConfigDir(dir string) ([]*ModelConfig, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matched, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, apperr.New(apperr.KindUnavailable, "ingestion.modelConfigDir", err)
		}
		paths = append(paths, matched...)
	}
	var configs []*ModelConfig
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, apperr.New(apperr.KindUnavailable, "ingestion.modelConfigDir", err)
		}
		cfg, err := LoadModelConfig(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}
