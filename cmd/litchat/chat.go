package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/litchat/internal/chat"
	"github.com/samcharles93/litchat/internal/logger"
	"github.com/samcharles93/litchat/internal/metrics"
	"github.com/samcharles93/litchat/internal/model"
)

func chatCmd() *cli.Command {
	var (
		s           chatSettings
		precision   string
		metricsFile string
	)

	flags := []cli.Flag{
		&cli.Float64Flag{
			Name:        "temperature",
			Aliases:     []string{"temp", "t"},
			Usage:       "sampling temperature; 0 or less decodes greedily",
			Value:       0.8,
			Destination: &s.temperature,
		},
		&cli.Int64Flag{
			Name:        "max-new-tokens",
			Aliases:     []string{"max_new_tokens", "n"},
			Usage:       "maximum number of tokens generated per reply",
			Value:       50,
			Destination: &s.maxNewTokens,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Aliases:     []string{"top_k"},
			Usage:       "sample from the k most likely tokens (0 = all)",
			Value:       50,
			Destination: &s.topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Aliases:     []string{"top_p"},
			Usage:       "nucleus sampling threshold in (0, 1]",
			Value:       1.0,
			Destination: &s.topP,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "random seed for sampling",
			Value:       1234,
			Destination: &s.seed,
		},
		&cli.StringFlag{
			Name:        "precision",
			Usage:       "weight precision (32-true, 16-true, bf16-true)",
			Destination: &precision,
		},
		&cli.StringFlag{
			Name:        "metrics-file",
			Usage:       "write Prometheus metrics in text format to this file on exit",
			Destination: &metricsFile,
		},
		&cli.BoolFlag{
			Name:        "no-color",
			Usage:       "disable colored output",
			Destination: &s.noColor,
		},
	}
	flags = append(flags, checkpointFlags()...)
	flags = append(flags, loggingFlags()...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Chat with a model",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			applyChatConfig(c, LoadConfig(), &s)
			ctx = withLogger(ctx, os.Stderr)
			log := logger.FromContext(ctx)

			if s.maxNewTokens <= 0 {
				return cli.Exit("error: --max-new-tokens must be positive", 1)
			}
			prec, err := model.ParsePrecision(precision)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			dir, err := resolveCheckpointDir(checkpointDir, modelsDir, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve checkpoint: %v", err), 1)
			}

			rec := metrics.New()
			runErr := chat.Run(ctx, chat.Options{
				CheckpointDir: dir,
				MaxNewTokens:  int(s.maxNewTokens),
				Temperature:   s.temperature,
				TopK:          int(s.topK),
				TopP:          s.topP,
				Seed:          s.seed,
				Precision:     prec,
				In:            newLineReader(),
				Out:           os.Stdout,
				Err:           os.Stderr,
				NoColor:       s.noColor,
				Metrics:       rec,
			})
			if metricsFile != "" {
				if err := rec.WriteTextfile(metricsFile); err != nil {
					log.Error("write metrics file", "path", metricsFile, "error", err)
				}
			}
			if runErr != nil {
				return cli.Exit(fmt.Sprintf("error: chat: %v", runErr), 1)
			}
			return nil
		},
	}
}
