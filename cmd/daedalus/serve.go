package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/api"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
)

func newServeCmd(root *rootFlags) *cobra.Command {
	var graphDir, addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run manager over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.cfg
			if graphDir != "" {
				cfg.WithGraphDir(graphDir)
			}
			if addr != "" {
				cfg.WithAPIAddr(addr)
			}
			if cfg.Engine.GraphDir == "" {
				return errors.New("serve requires engine.graph_dir or --graphs")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, root)
		},
	}
	cmd.Flags().StringVar(&graphDir, "graphs", "", "Directory of graph definitions (default engine.graph_dir)")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default api.addr)")
	return cmd
}

func serve(ctx context.Context, root *rootFlags) error {
	cfg, logger := root.cfg, root.logger
	defs, _, err := loadGraphs(cfg.Engine.GraphDir)
	if err != nil {
		return err
	}
	logger.Info("graphs loaded", zap.Int("count", len(defs)), zap.String("dir", cfg.Engine.GraphDir))

	a, err := newApp(ctx, cfg, logger, defs)
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("shutdown incomplete", zap.Error(cerr))
		}
	}()
	if err != nil {
		return err
	}
	if err := a.withRuntimeCollectors(); err != nil {
		return err
	}

	manager := engine.NewManager(a.engine, engine.ManagerOptions{
		Reports: a.reports,
		Logger:  logger,
	})
	srv, err := api.New(api.Options{
		Manager:         manager,
		Metrics:         metrics.Handler(a.registry),
		Addr:            cfg.API.Addr,
		ShutdownTimeout: cfg.API.ShutdownTimeout,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	serveErr := srv.Run(ctx)

	// runs get the cancel grace plus the API's shutdown budget
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Engine.CancelGrace+cfg.API.ShutdownTimeout)
	defer cancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("runs still active at shutdown", zap.Error(err))
	}
	return serveErr
}
