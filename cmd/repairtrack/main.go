// Package main is the entry point for the repair tracker service.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/repairtrack/engine/internal/config"
	"github.com/repairtrack/engine/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// flags are the global options shared by every command.
type flags struct {
	ConfigPath string
	LogLevel   string
	LogFile    string
}

func main() {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	var (
		f         = &flags{}
		cfg       = &config.Config{}
		logCloser func()
	)

	app := &cli.Command{
		Name:    "repairtrack",
		Usage:   "Track repair job status and diagnostic checklists",
		Version: fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to a JSON or YAML config file",
				Sources:     cli.EnvVars("RT_CONFIG"),
				Destination: &f.ConfigPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error); overrides the config file",
				Destination: &f.LogLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Usage:       "write logs to this file instead of stdout",
				Destination: &f.LogFile,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			loaded, err := config.Load(f.ConfigPath)
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			*cfg = *loaded
			if f.LogLevel != "" {
				cfg.LogLevel = f.LogLevel
			}
			if f.LogFile != "" {
				cfg.LogFile = f.LogFile
			}

			logger, closer, err := logging.New(cfg.LogLevel, cfg.LogFile)
			if err != nil {
				return ctx, fmt.Errorf("setup logger: %w", err)
			}
			log.Logger = logger
			logCloser = closer
			return ctx, nil
		},
		After: func(ctx context.Context, c *cli.Command) error {
			if logCloser != nil {
				logCloser()
			}
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(cfg),
			seedCommand(cfg),
			historyCommand(cfg),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}
