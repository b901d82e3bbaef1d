package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the litchat configuration file (~/.config/litchat/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	CheckpointDir string `yaml:"checkpoint_dir"`
	ModelsDir     string `yaml:"models_dir"`

	// Sampling defaults
	Temperature  *float64 `yaml:"temperature"`
	TopK         *int64   `yaml:"top_k"`
	TopP         *float64 `yaml:"top_p"`
	MaxNewTokens *int64   `yaml:"max_new_tokens"`
	Seed         *int64   `yaml:"seed"`

	// Output
	NoColor   *bool  `yaml:"no_color"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "litchat", "config.yaml")
}

type chatSettings struct {
	temperature  float64
	topK         int64
	topP         float64
	maxNewTokens int64
	seed         int64
	noColor      bool
}

// applyChatConfig copies config file values into s for every flag the user
// did not set explicitly.
func applyChatConfig(c *cli.Command, cfg Config, s *chatSettings) {
	applyCommonConfig(c, cfg)
	if cfg.Temperature != nil && !c.IsSet("temperature") {
		s.temperature = *cfg.Temperature
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		s.topK = *cfg.TopK
	}
	if cfg.TopP != nil && !c.IsSet("top-p") {
		s.topP = *cfg.TopP
	}
	if cfg.MaxNewTokens != nil && !c.IsSet("max-new-tokens") {
		s.maxNewTokens = *cfg.MaxNewTokens
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		s.seed = *cfg.Seed
	}
	if cfg.NoColor != nil && !c.IsSet("no-color") {
		s.noColor = *cfg.NoColor
	}
}

func applyCommonConfig(c *cli.Command, cfg Config) {
	if cfg.CheckpointDir != "" && !c.IsSet("checkpoint-dir") {
		checkpointDir = cfg.CheckpointDir
	}
	if cfg.ModelsDir != "" && !c.IsSet("models-dir") {
		modelsDir = cfg.ModelsDir
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	return loadConfigFile(configPath())
}

func loadConfigFile(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
