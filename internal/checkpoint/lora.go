package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/litchat/internal/logger"
	"github.com/samcharles93/litchat/internal/safetensors"
)

const (
	loraASuffix = ".lora_A"
	loraBSuffix = ".lora_B"

	defaultLoRARank  = 8
	defaultLoRAAlpha = 16
)

var ErrNoLoRA = errors.New("no LoRA weights found")

// Hyperparameters is the subset of hyperparameters.yaml written by a LoRA
// fine-tune that the merge needs.
type Hyperparameters struct {
	CheckpointDir string  `yaml:"checkpoint_dir"`
	LoRARank      int     `yaml:"lora_r"`
	LoRAAlpha     float64 `yaml:"lora_alpha"`
}

// MergeOptions override values otherwise read from hyperparameters.yaml.
type MergeOptions struct {
	PretrainedDir string
	Rank          int
	Alpha         float64
}

// MergeLoRA folds the adapter weights in dir into the base model weights and
// writes the canonical weight file into dir. For every adapted tensor W with
// factors A (r×in) and B (out×r): W += (alpha/r)·B·A. Non-adapter tensors in
// the adapter file replace the base tensor of the same name.
//
// It is a no-op when dir already holds merged weights.
func MergeLoRA(ctx context.Context, dir string, opts MergeOptions) error {
	log := logger.FromContext(ctx).With("checkpoint_dir", dir)

	loraPath := LoRAPath(dir)
	if !isFile(loraPath) {
		return fmt.Errorf("%w: %s", ErrNoLoRA, loraPath)
	}
	if isFile(WeightsPath(dir)) {
		log.Info("LoRA weights have already been merged", "path", WeightsPath(dir))
		return nil
	}

	hp, err := loadHyperparameters(dir)
	if err != nil {
		return err
	}
	pretrained := firstNonEmpty(opts.PretrainedDir, hp.CheckpointDir)
	if pretrained == "" {
		return fmt.Errorf("pretrained checkpoint directory is unknown: set it in %s or pass it explicitly", HyperparametersFile)
	}
	if !filepath.IsAbs(pretrained) && !isFile(WeightsPath(pretrained)) {
		// Relative base paths may also be relative to the adapter directory.
		if alt := filepath.Join(dir, pretrained); isFile(WeightsPath(alt)) {
			pretrained = alt
		}
	}

	rank := firstPositive(opts.Rank, hp.LoRARank, defaultLoRARank)
	alpha := float64(defaultLoRAAlpha)
	switch {
	case opts.Alpha > 0:
		alpha = opts.Alpha
	case hp.LoRAAlpha > 0:
		alpha = hp.LoRAAlpha
	}

	base, err := LoadWeights(pretrained)
	if err != nil {
		return fmt.Errorf("load pretrained weights: %w", err)
	}
	adapterFile, err := safetensors.Open(loraPath)
	if err != nil {
		return fmt.Errorf("open LoRA weights: %w", err)
	}
	adapter, err := adapterFile.ReadAll()
	if err != nil {
		return fmt.Errorf("read LoRA weights: %w", err)
	}

	merged, err := mergeTensors(base, adapter, alpha/float64(rank))
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := copyMissingConfigFiles(pretrained, dir); err != nil {
		return fmt.Errorf("copy config files: %w", err)
	}
	meta := map[string]string{"format": "litchat", "merged_from": filepath.Base(loraPath)}
	if err := safetensors.WriteFile(WeightsPath(dir), base, meta); err != nil {
		return fmt.Errorf("write merged weights: %w", err)
	}
	log.Info("merged LoRA weights", "tensors", merged, "rank", rank, "alpha", alpha, "pretrained", pretrained)
	return nil
}

// mergeTensors updates base in place and returns the number of adapted tensors.
func mergeTensors(base, adapter map[string]safetensors.Tensor, scale float64) (int, error) {
	for name := range adapter {
		if prefix, ok := strings.CutSuffix(name, loraBSuffix); ok {
			if _, ok := adapter[prefix+loraASuffix]; !ok {
				return 0, fmt.Errorf("adapter %s has no matching %s", name, prefix+loraASuffix)
			}
		}
	}

	merged := 0
	for name, a := range adapter {
		switch {
		case strings.HasSuffix(name, loraBSuffix):
			continue
		case strings.HasSuffix(name, loraASuffix):
			prefix := strings.TrimSuffix(name, loraASuffix)
			b, ok := adapter[prefix+loraBSuffix]
			if !ok {
				return 0, fmt.Errorf("adapter %s has no matching %s", name, prefix+loraBSuffix)
			}
			target := prefix + ".weight"
			w, ok := base[target]
			if !ok {
				return 0, fmt.Errorf("adapter %s targets missing tensor %s", name, target)
			}
			if err := applyDelta(w, a, b, float32(scale)); err != nil {
				return 0, fmt.Errorf("merge %s: %w", target, err)
			}
			merged++
		default:
			base[name] = a
		}
	}
	return merged, nil
}

// applyDelta computes w += scale * b·a. w is out×in, a is r×in, b is out×r.
func applyDelta(w, a, b safetensors.Tensor, scale float32) error {
	out, in := w.Rows(), w.Cols()
	r := a.Rows()
	if a.Cols() != in || b.Rows() != out || b.Cols() != r {
		return fmt.Errorf("shape mismatch: W %v, A %v, B %v", w.Shape, a.Shape, b.Shape)
	}
	for o := 0; o < out; o++ {
		row := w.Data[o*in : (o+1)*in]
		for k := 0; k < r; k++ {
			coef := scale * b.Data[o*r+k]
			if coef == 0 {
				continue
			}
			aRow := a.Data[k*in : (k+1)*in]
			for i := range row {
				row[i] += coef * aRow[i]
			}
		}
	}
	return nil
}

func loadHyperparameters(dir string) (Hyperparameters, error) {
	raw, err := os.ReadFile(filepath.Join(dir, HyperparametersFile))
	if errors.Is(err, os.ErrNotExist) {
		return Hyperparameters{}, nil
	}
	if err != nil {
		return Hyperparameters{}, err
	}
	var hp Hyperparameters
	if err := yaml.Unmarshal(raw, &hp); err != nil {
		return Hyperparameters{}, fmt.Errorf("parse %s: %w", HyperparametersFile, err)
	}
	return hp, nil
}

// copyMissingConfigFiles copies config and tokenizer files from the base
// checkpoint that the adapter directory lacks.
func copyMissingConfigFiles(src, dst string) error {
	for _, name := range []string{
		ConfigFile,
		PromptStyleFile,
		"tokenizer.json",
		"tokenizer.model",
		"tokenizer_config.json",
		"generation_config.json",
	} {
		from := filepath.Join(src, name)
		to := filepath.Join(dst, name)
		if !isFile(from) || isFile(to) {
			continue
		}
		if err := copyFile(from, to); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(from, to string) error {
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(to)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
