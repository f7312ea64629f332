package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ent0n29/coachstream/internal/config"
	"github.com/ent0n29/coachstream/internal/logging"
)

type rootOptions struct {
	envFile   string
	logLevel  string
	logFormat string

	cfg config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "coachstream",
		Short:         "Resumable streaming sessions for the coaching chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format auto|console|json (overrides LOG_FORMAT)")

	root.AddCommand(
		newServeCommand(opts),
		newAskCommand(opts),
		newResumeCommand(opts),
		newSweepCommand(opts),
		newMockBackendCommand(opts),
	)
	return root
}

func (o *rootOptions) load(cmd *cobra.Command) error {
	if o.envFile != "" {
		if err := godotenv.Load(o.envFile); err != nil {
			// The default file is optional; an explicit one is not.
			if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("env-file") {
				return err
			}
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.logFormat != "" {
		cfg.LogFormat = o.logFormat
	}
	if err := logging.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
