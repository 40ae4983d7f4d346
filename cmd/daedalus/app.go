package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	natsconn "github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/internal/tracing"
	"github.com/wehubfusion/Daedalus/pkg/checkpoint"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/config"
	"github.com/wehubfusion/Daedalus/pkg/engine"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/metrics"
	"github.com/wehubfusion/Daedalus/pkg/steps/all"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// app is the process-wide wiring shared by the commands.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	engine   *engine.Engine
	registry *prometheus.Registry
	metrics  *metrics.Collector
	reports  *storage.ReportWriter

	closers []func() error
}

// newApp builds the engine and its collaborators from cfg. Close must be
// called even when an error is returned.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, graphs engine.GraphSource) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}

	if cfg.Tracing.Enabled {
		tp, err := tracing.Setup(ctx, cfg.Service, cfg.Tracing, logger)
		if err != nil {
			return a, err
		}
		a.closers = append(a.closers, tp.Close)
	}

	collector, err := metrics.NewCollector(a.registry)
	if err != nil {
		return a, err
	}
	a.metrics = collector
	bus := events.NewBus(events.WithLogger(logger), events.WithSink(collector))

	if cfg.Events.Log {
		a.addAsyncSink(bus, "log", events.NewLogSink(logger))
	}

	var js nats.JetStreamContext
	if cfg.Events.NATS.URL != "" {
		if js, err = a.connectNATS(ctx); err != nil {
			return a, err
		}
		sink, err := events.NewNATSSink(js, events.NATSSinkConfig{
			Stream:        cfg.Events.NATS.Stream,
			SubjectPrefix: cfg.Events.NATS.SubjectPrefix,
			MaxAge:        cfg.Events.NATS.MaxAge,
		}, logger)
		if err != nil {
			return a, err
		}
		if err := sink.EnsureStream(); err != nil {
			return a, err
		}
		a.addAsyncSink(bus, "nats", sink)
	}

	if cfg.Events.SentryDSN != "" {
		hub, err := events.NewSentryHub(cfg.Events.SentryDSN, cfg.Service.Environment)
		if err != nil {
			return a, err
		}
		sink := events.NewSentrySink(hub)
		bus.AddSink(sink)
		a.closers = append(a.closers, func() error {
			if !sink.Flush(5 * time.Second) {
				return errors.New("sentry flush timed out")
			}
			return nil
		})
	}

	blobs, err := a.blobClient()
	if err != nil {
		return a, err
	}
	if cfg.Engine.Reports {
		a.reports = storage.NewReportWriter(blobs, logger)
	}

	var store checkpoint.Store
	switch cfg.Checkpoint.Store {
	case "blob":
		store = checkpoint.NewBlobStore(blobs)
	case "nats":
		if js == nil {
			return a, errors.New("nats checkpoint store requires events.nats.url")
		}
		if store, err = checkpoint.OpenKVStore(js, cfg.Checkpoint.Bucket); err != nil {
			return a, err
		}
	default:
		store = checkpoint.NewMemoryStore()
	}

	limiter := concurrency.NewLimiter(cfg.Concurrency.MaxConcurrent)
	if cfg.Concurrency.CircuitBreakerThreshold > 0 {
		cb := concurrency.NewCircuitBreaker(cfg.Concurrency.CircuitBreakerThreshold, cfg.Concurrency.CircuitBreakerReset)
		cb.OnStateChange(func(from, to concurrency.CircuitBreakerState) {
			logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		})
		limiter = concurrency.NewLimiterWithCircuitBreaker(cfg.Concurrency.MaxConcurrent, cb)
	}

	a.engine, err = engine.New(engine.Options{
		Graphs:             graphs,
		Registry:           all.NewRegistry(),
		Bus:                bus,
		Checkpoints:        store,
		Limiter:            limiter,
		MaxInFlightTasks:   cfg.Engine.MaxInFlightTasks,
		MaxSubgraphDepth:   cfg.Engine.MaxSubgraphDepth,
		DefaultParallelism: cfg.Engine.DefaultParallelism,
		DefaultItemTimeout: cfg.Engine.ItemTimeout,
		ExpressionTimeout:  cfg.Engine.ExpressionTimeout,
		CancelGrace:        cfg.Engine.CancelGrace,
		Logger:             logger,
	})
	return a, err
}

func (a *app) addAsyncSink(bus *events.Bus, name string, inner events.Sink) {
	sink := events.NewAsyncSink(inner, a.cfg.Events.BufferSize, a.logger.With(zap.String("sink", name)))
	bus.AddSink(sink)
	if err := a.metrics.WatchDropped(name, sink.Dropped); err != nil {
		a.logger.Warn("failed to register dropped events metric", zap.String("sink", name), zap.Error(err))
	}
	a.closers = append(a.closers, sink.Close)
}

func (a *app) connectNATS(ctx context.Context) (nats.JetStreamContext, error) {
	nc := a.cfg.Events.NATS
	settings := natsconn.NewSettings(nc.URL, a.cfg.Service.Name)
	settings.Token = nc.Token
	settings.Username = nc.Username
	settings.Password = nc.Password

	conn, err := natsconn.Dial(ctx, settings, a.logger)
	if err != nil {
		return nil, err
	}
	// registered first so it runs after the sinks publishing on it are closed
	a.closers = append([]func() error{conn.Close}, a.closers...)
	return conn.JetStream, nil
}

func (a *app) blobClient() (storage.BlobClient, error) {
	sc := a.cfg.Storage
	if sc.ConnectionString == "" {
		return storage.NewMemoryBlobClient(), nil
	}
	client, err := storage.NewAzureBlobClient(sc.ConnectionString, sc.Container, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob storage: %w", err)
	}
	return client, nil
}

// withRuntimeCollectors adds Go runtime and process metrics for the
// long-running server.
func (a *app) withRuntimeCollectors() error {
	for _, c := range []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := a.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Close releases everything newApp opened, most recent first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
