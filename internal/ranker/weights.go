package ranker

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type fileConfig struct {
	Weights       Weights `yaml:"weights"`
	MaxResults    int     `yaml:"max_results"`
	ActivityScale int     `yaml:"activity_scale"`
	MemberScale   int     `yaml:"member_scale"`
}

// LoadOptions reads ranking options from a yaml file. Zero-valued fields keep
// their defaults, so a file may override a single weight.
func LoadOptions(path string) (Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("read ranker config: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Options{}, fmt.Errorf("parse ranker config: %w", err)
	}
	opts := Options{
		Weights:       cfg.Weights,
		MaxResults:    cfg.MaxResults,
		ActivityScale: cfg.ActivityScale,
		MemberScale:   cfg.MemberScale,
	}
	w := opts.Weights
	if w.Similarity < 0 || w.Locality < 0 || w.Recency < 0 || w.Population < 0 {
		return Options{}, fmt.Errorf("ranker config: weights must be non-negative")
	}
	return opts, nil
}

// LoadOptionsFromEnv resolves the config path from COMMATCH_RANKER_CONFIG;
// missing env means defaults.
func LoadOptionsFromEnv() (Options, error) {
	path := os.Getenv("COMMATCH_RANKER_CONFIG")
	if path == "" {
		return Options{}, nil
	}
	return LoadOptions(path)
}
