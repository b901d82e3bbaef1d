// Package checkpoint knows the on-disk layout of a model checkpoint
// directory: the model config, the weight file and optional LoRA adapters.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/samcharles93/litchat/internal/safetensors"
)

const (
	WeightsFile         = "lit_model.safetensors"
	LoRASuffix          = ".lora"
	ConfigFile          = "model_config.yaml"
	HyperparametersFile = "hyperparameters.yaml"
	PromptStyleFile     = "prompt_style.yaml"
)

var ErrMissingWeights = errors.New("checkpoint weights not found")

// WeightsPath returns the canonical weight file for dir.
func WeightsPath(dir string) string { return filepath.Join(dir, WeightsFile) }

// LoRAPath returns the adapter weight file for dir.
func LoRAPath(dir string) string { return filepath.Join(dir, WeightsFile+LoRASuffix) }

// FindUnmergedLoRA reports the adapter file when dir holds LoRA weights that
// have not yet been folded into a canonical weight file.
func FindUnmergedLoRA(dir string) (string, bool) {
	lora := LoRAPath(dir)
	if !isFile(lora) {
		return "", false
	}
	if isFile(WeightsPath(dir)) {
		return "", false
	}
	return lora, true
}

// CheckDir verifies that dir looks like a loadable checkpoint.
func CheckDir(dir string) error {
	st, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("checkpoint directory: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("checkpoint path is not a directory: %s", dir)
	}
	var missing []string
	if !isFile(filepath.Join(dir, ConfigFile)) {
		missing = append(missing, ConfigFile)
	}
	if !isFile(WeightsPath(dir)) && !isFile(LoRAPath(dir)) {
		missing = append(missing, WeightsFile)
	}
	if len(missing) > 0 {
		return fmt.Errorf("checkpoint %s is missing %v", dir, missing)
	}
	return nil
}

// LoadWeights reads every tensor of the canonical weight file.
func LoadWeights(dir string) (map[string]safetensors.Tensor, error) {
	path := WeightsPath(dir)
	if !isFile(path) {
		return nil, fmt.Errorf("%w: %s", ErrMissingWeights, path)
	}
	f, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open weights: %w", err)
	}
	return f.ReadAll()
}

func isFile(path string) bool {
	st, err := os.Stat(path)
	return err == nil && st.Mode().IsRegular()
}
