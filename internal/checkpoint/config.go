package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrUnknownModel = errors.New("unknown model name")

// Config is the model_config.yaml descriptor stored next to the weights.
type Config struct {
	Name             string  `yaml:"name"`
	BlockSize        int     `yaml:"block_size"`
	VocabSize        int     `yaml:"vocab_size"`
	PaddedVocabSize  int     `yaml:"padded_vocab_size,omitempty"`
	PaddingMultiple  int     `yaml:"padding_multiple,omitempty"`
	NLayer           int     `yaml:"n_layer"`
	NHead            int     `yaml:"n_head"`
	NEmbd            int     `yaml:"n_embd"`
	NQueryGroups     int     `yaml:"n_query_groups,omitempty"`
	RotaryPercentage float64 `yaml:"rotary_percentage"`
	ParallelResidual bool    `yaml:"parallel_residual,omitempty"`
	Bias             bool    `yaml:"bias,omitempty"`
	IntermediateSize int     `yaml:"intermediate_size,omitempty"`
	NormClassName    string  `yaml:"norm_class_name,omitempty"`
	MLPClassName     string  `yaml:"mlp_class_name,omitempty"`
}

// Vocab returns the embedding table size, which may be padded beyond the
// tokenizer vocabulary.
func (c Config) Vocab() int {
	if c.PaddedVocabSize > 0 {
		return c.PaddedVocabSize
	}
	if c.PaddingMultiple > 1 {
		return ((c.VocabSize + c.PaddingMultiple - 1) / c.PaddingMultiple) * c.PaddingMultiple
	}
	return c.VocabSize
}

func (c Config) Validate() error {
	switch {
	case c.BlockSize <= 0:
		return fmt.Errorf("block_size must be positive, got %d", c.BlockSize)
	case c.VocabSize <= 0:
		return fmt.Errorf("vocab_size must be positive, got %d", c.VocabSize)
	case c.NEmbd <= 0:
		return fmt.Errorf("n_embd must be positive, got %d", c.NEmbd)
	}
	return nil
}

// LoadConfig reads model_config.yaml from a checkpoint directory.
func LoadConfig(dir string) (Config, error) {
	raw, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", ConfigFile, err)
	}
	return cfg, nil
}

// SaveConfig writes model_config.yaml into dir.
func SaveConfig(cfg Config, dir string) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ConfigFile), raw, 0o644)
}

var builtinConfigs = map[string]Config{
	"pythia-14m": {
		Name: "pythia-14m", BlockSize: 512, VocabSize: 50254, PaddingMultiple: 128,
		NLayer: 6, NHead: 4, NEmbd: 128, RotaryPercentage: 0.25, ParallelResidual: true, Bias: true,
	},
	"pythia-70m": {
		Name: "pythia-70m", BlockSize: 2048, VocabSize: 50254, PaddingMultiple: 128,
		NLayer: 6, NHead: 8, NEmbd: 512, RotaryPercentage: 0.25, ParallelResidual: true, Bias: true,
	},
	"tiny-llama-1.1b": {
		Name: "tiny-llama-1.1b", BlockSize: 2048, VocabSize: 32000, PaddingMultiple: 64,
		NLayer: 22, NHead: 32, NEmbd: 2048, NQueryGroups: 4, RotaryPercentage: 1,
		IntermediateSize: 5632, NormClassName: "RMSNorm", MLPClassName: "LLaMAMLP",
	},
	"Llama-3-8B": {
		Name: "Llama-3-8B", BlockSize: 8192, VocabSize: 128000, PaddedVocabSize: 128256,
		NLayer: 32, NHead: 32, NEmbd: 4096, NQueryGroups: 8, RotaryPercentage: 1,
		IntermediateSize: 14336, NormClassName: "RMSNorm", MLPClassName: "LLaMAMLP",
	},
}

// ConfigFromName returns a built-in configuration.
func ConfigFromName(name string) (Config, error) {
	cfg, ok := builtinConfigs[name]
	if !ok {
		return Config{}, fmt.Errorf("%w %q (known: %s)", ErrUnknownModel, name, strings.Join(KnownNames(), ", "))
	}
	return cfg, nil
}

func KnownNames() []string {
	names := make([]string, 0, len(builtinConfigs))
	for name := range builtinConfigs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
