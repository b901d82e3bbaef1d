package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/samcharles93/litchat/internal/safetensors"
)

func writeWeights(t *testing.T, path string, tensors map[string]safetensors.Tensor) {
	t.Helper()
	require.NoError(t, safetensors.WriteFile(path, tensors, nil))
}

func TestConfigRoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg, err := ConfigFromName("pythia-14m")
	require.NoError(t, err)
	require.NoError(t, SaveConfig(cfg, dir))

	got, err := LoadConfig(dir)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
	require.Equal(t, 50304, got.Vocab())
}

func TestLoadConfigFromYAML(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	raw := "name: Llama 3\nblock_size: 128\nvocab_size: 50\nn_layer: 2\nn_head: 4\nn_embd: 8\nrotary_percentage: 1\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte(raw), 0o644))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	require.Equal(t, "Llama 3", cfg.Name)
	require.Equal(t, 128, cfg.BlockSize)
	require.Equal(t, 50, cfg.Vocab())
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFile), []byte("name: x\nblock_size: 0\n"), 0o644))
	_, err := LoadConfig(dir)
	require.Error(t, err)
}

func TestConfigFromNameUnknown(t *testing.T) {
	t.Parallel()
	_, err := ConfigFromName("nope")
	require.ErrorIs(t, err, ErrUnknownModel)
}

func TestFindUnmergedLoRA(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	_, ok := FindUnmergedLoRA(dir)
	require.False(t, ok)

	require.NoError(t, os.WriteFile(LoRAPath(dir), nil, 0o644))
	path, ok := FindUnmergedLoRA(dir)
	require.True(t, ok)
	require.Equal(t, LoRAPath(dir), path)

	require.NoError(t, os.WriteFile(WeightsPath(dir), nil, 0o644))
	_, ok = FindUnmergedLoRA(dir)
	require.False(t, ok)
}

func TestCheckDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	require.Error(t, CheckDir(dir))
	require.Error(t, CheckDir(filepath.Join(dir, "missing")))

	cfg, err := ConfigFromName("pythia-14m")
	require.NoError(t, err)
	require.NoError(t, SaveConfig(cfg, dir))
	require.NoError(t, os.WriteFile(LoRAPath(dir), nil, 0o644))
	require.NoError(t, CheckDir(dir))
}

func TestLoadWeightsMissing(t *testing.T) {
	t.Parallel()
	_, err := LoadWeights(t.TempDir())
	require.ErrorIs(t, err, ErrMissingWeights)
}

func TestMergeLoRA(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	out := t.TempDir()

	cfg := Config{Name: "tiny", BlockSize: 16, VocabSize: 2, NEmbd: 3}
	require.NoError(t, SaveConfig(cfg, base))
	writeWeights(t, WeightsPath(base), map[string]safetensors.Tensor{
		"lm_head.weight":         {Shape: []int{2, 3}, Data: []float32{1, 0, 0, 0, 1, 0}},
		"lm_head.bias":           {Shape: []int{2}, Data: []float32{0, 0}},
		"transformer.wte.weight": {Shape: []int{2, 3}, Data: []float32{1, 1, 1, 2, 2, 2}},
	})
	// A: 1x3, B: 2x1 => B·A = [[1 2 3] [2 4 6]]
	writeWeights(t, LoRAPath(out), map[string]safetensors.Tensor{
		"lm_head.lora_A": {Shape: []int{1, 3}, Data: []float32{1, 2, 3}},
		"lm_head.lora_B": {Shape: []int{2, 1}, Data: []float32{1, 2}},
		"lm_head.bias":   {Shape: []int{2}, Data: []float32{0.5, -0.5}},
	})
	hp := "checkpoint_dir: " + base + "\nlora_r: 1\nlora_alpha: 2\n"
	require.NoError(t, os.WriteFile(filepath.Join(out, HyperparametersFile), []byte(hp), 0o644))

	require.NoError(t, MergeLoRA(context.Background(), out, MergeOptions{}))

	_, unmerged := FindUnmergedLoRA(out)
	require.False(t, unmerged)

	got, err := LoadWeights(out)
	require.NoError(t, err)
	require.Equal(t, []float32{3, 4, 6, 4, 9, 12}, got["lm_head.weight"].Data)
	require.Equal(t, []float32{0.5, -0.5}, got["lm_head.bias"].Data)
	require.Equal(t, []float32{1, 1, 1, 2, 2, 2}, got["transformer.wte.weight"].Data)
	_, hasA := got["lm_head.lora_A"]
	require.False(t, hasA)

	// The base config is copied so the merged checkpoint is loadable on its own.
	merged, err := LoadConfig(out)
	require.NoError(t, err)
	require.Equal(t, "tiny", merged.Name)

	// A second merge is a no-op.
	require.NoError(t, MergeLoRA(context.Background(), out, MergeOptions{}))
}

func TestMergeLoRAOptionsOverride(t *testing.T) {
	t.Parallel()
	base := t.TempDir()
	out := t.TempDir()
	writeWeights(t, WeightsPath(base), map[string]safetensors.Tensor{
		"proj.weight": {Shape: []int{1, 1}, Data: []float32{1}},
	})
	writeWeights(t, LoRAPath(out), map[string]safetensors.Tensor{
		"proj.lora_A": {Shape: []int{2, 1}, Data: []float32{1, 1}},
		"proj.lora_B": {Shape: []int{1, 2}, Data: []float32{1, 1}},
	})

	require.NoError(t, MergeLoRA(context.Background(), out, MergeOptions{PretrainedDir: base, Rank: 2, Alpha: 4}))
	got, err := LoadWeights(out)
	require.NoError(t, err)
	// 1 + (4/2) * (1*1 + 1*1)
	require.Equal(t, []float32{5}, got["proj.weight"].Data)
}

func TestMergeLoRAErrors(t *testing.T) {
	t.Parallel()

	t.Run("no adapter", func(t *testing.T) {
		t.Parallel()
		err := MergeLoRA(context.Background(), t.TempDir(), MergeOptions{})
		require.ErrorIs(t, err, ErrNoLoRA)
	})

	t.Run("unknown base", func(t *testing.T) {
		t.Parallel()
		out := t.TempDir()
		writeWeights(t, LoRAPath(out), map[string]safetensors.Tensor{
			"proj.lora_A": {Shape: []int{1, 1}, Data: []float32{1}},
			"proj.lora_B": {Shape: []int{1, 1}, Data: []float32{1}},
		})
		require.Error(t, MergeLoRA(context.Background(), out, MergeOptions{}))
	})

	t.Run("shape mismatch", func(t *testing.T) {
		t.Parallel()
		base := t.TempDir()
		out := t.TempDir()
		writeWeights(t, WeightsPath(base), map[string]safetensors.Tensor{
			"proj.weight": {Shape: []int{2, 2}, Data: []float32{1, 0, 0, 1}},
		})
		writeWeights(t, LoRAPath(out), map[string]safetensors.Tensor{
			"proj.lora_A": {Shape: []int{1, 3}, Data: []float32{1, 1, 1}},
			"proj.lora_B": {Shape: []int{2, 1}, Data: []float32{1, 1}},
		})
		require.Error(t, MergeLoRA(context.Background(), out, MergeOptions{PretrainedDir: base}))
		_, err := os.Stat(WeightsPath(out))
		require.True(t, os.IsNotExist(err))
	})

	t.Run("orphan B factor", func(t *testing.T) {
		t.Parallel()
		base := t.TempDir()
		out := t.TempDir()
		writeWeights(t, WeightsPath(base), map[string]safetensors.Tensor{
			"proj.weight": {Shape: []int{1, 1}, Data: []float32{1}},
		})
		writeWeights(t, LoRAPath(out), map[string]safetensors.Tensor{
			"proj.lora_B": {Shape: []int{1, 1}, Data: []float32{1}},
		})
		require.Error(t, MergeLoRA(context.Background(), out, MergeOptions{PretrainedDir: base}))
	})
}
