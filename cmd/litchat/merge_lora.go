package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/litchat/internal/checkpoint"
	"github.com/samcharles93/litchat/internal/logger"
)

func mergeLoRACmd() *cli.Command {
	var (
		pretrainedDir string
		rank          int64
		alpha         float64
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "pretrained-checkpoint-dir",
			Usage:       "base model checkpoint (default: checkpoint_dir from hyperparameters.yaml)",
			Destination: &pretrainedDir,
		},
		&cli.Int64Flag{
			Name:        "lora-r",
			Usage:       "LoRA rank (default: lora_r from hyperparameters.yaml)",
			Destination: &rank,
		},
		&cli.Float64Flag{
			Name:        "lora-alpha",
			Usage:       "LoRA alpha (default: lora_alpha from hyperparameters.yaml)",
			Destination: &alpha,
		},
	}
	flags = append(flags, checkpointFlags()...)
	flags = append(flags, loggingFlags()...)

	return &cli.Command{
		Name:  "merge-lora",
		Usage: "Merge LoRA adapter weights into the base model",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			applyCommonConfig(c, LoadConfig())
			ctx = withLogger(ctx, os.Stderr)

			dir, err := resolveCheckpointDir(checkpointDir, modelsDir, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve checkpoint: %v", err), 1)
			}
			err = checkpoint.MergeLoRA(ctx, dir, checkpoint.MergeOptions{
				PretrainedDir: pretrainedDir,
				Rank:          int(rank),
				Alpha:         alpha,
			})
			switch {
			case errors.Is(err, checkpoint.ErrNoLoRA):
				return cli.Exit(fmt.Sprintf("error: %s has no %s file", dir, checkpoint.WeightsFile+checkpoint.LoRASuffix), 1)
			case err != nil:
				return cli.Exit(fmt.Sprintf("error: merge lora: %v", err), 1)
			}
			logger.FromContext(ctx).Info("merged weights written", "path", checkpoint.WeightsPath(dir))
			return nil
		},
	}
}
