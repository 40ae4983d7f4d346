package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/config"
)

type rootFlags struct {
	configFile string
	envFile    string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
	undo   func()
}

func newRootCmd() *cobra.Command {
	root := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "daedalus",
		Short:         "Declarative pipeline execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return root.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			root.close()
		},
	}

	cmd.PersistentFlags().StringVarP(&root.configFile, "config", "c", "", "Path to a YAML configuration file")
	cmd.PersistentFlags().StringVar(&root.envFile, "env-file", "", "Path to a .env file (default ./.env when present)")
	cmd.PersistentFlags().StringVar(&root.logLevel, "log-level", "", "Override service.log_level")

	cmd.AddCommand(
		newRunCmd(root),
		newValidateCmd(root),
		newServeCmd(root),
		newCheckpointCmd(root),
	)
	return cmd
}

func (r *rootFlags) init() error {
	var opts []config.LoaderOption
	if r.configFile != "" {
		opts = append(opts, config.WithConfigFile(r.configFile))
	}
	if r.envFile != "" {
		opts = append(opts, config.WithEnvFile(r.envFile))
	}
	cfg, err := config.Load(opts...)
	if err != nil {
		return err
	}
	if r.logLevel != "" {
		cfg.Service.LogLevel = r.logLevel
	}

	logger, err := newLogger(cfg.Service)
	if err != nil {
		return err
	}
	r.cfg = cfg
	r.logger = logger.With(zap.String("service", cfg.Service.Name))
	r.undo = concurrency.InitializeForKubernetes(r.logger)
	return nil
}

func (r *rootFlags) close() {
	if r.undo != nil {
		r.undo()
	}
	if r.logger != nil {
		_ = r.logger.Sync()
	}
}

func newLogger(sc config.ServiceConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(sc.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", sc.LogLevel, err)
	}
	zc := zap.NewProductionConfig()
	if sc.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	// stdout carries command output
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
