package main

import (
	"context"
	"io"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/litchat/internal/logger"
)

var (
	checkpointDir string
	modelsDir     string
	logLevel      string
	logFormat     string
	debug         bool
)

func checkpointFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "checkpoint-dir",
			Aliases:     []string{"checkpoint_dir", "c"},
			Usage:       "checkpoint directory holding model_config.yaml and weights",
			Destination: &checkpointDir,
		},
		&cli.StringFlag{
			Name:        "models-dir",
			Usage:       "directory of checkpoints to choose from when --checkpoint-dir is unset",
			Destination: &modelsDir,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// withLogger attaches the logger selected by the logging flags to ctx.
func withLogger(ctx context.Context, w io.Writer) context.Context {
	level := logLevel
	if debug {
		level = "debug"
	}
	return logger.WithContext(ctx, logger.ForFormat(w, logFormat, logger.ParseLevel(level)))
}
