package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/checkpoint"
	perrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/item"
	"github.com/wehubfusion/Daedalus/pkg/storage"
)

// ErrManagerClosed is returned by Start after Shutdown.
var ErrManagerClosed = errors.New("manager is shut down")

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Reports persists a report for every finished top-level run. Optional.
	Reports *storage.ReportWriter
	// OnFinish is called with every finished run's result. Optional.
	OnFinish func(*Result)
	Logger   *zap.Logger
}

// Manager starts runs in the background and keeps their handles until
// they are forgotten.
type Manager struct {
	engine *Engine
	opts   ManagerOptions
	logger *zap.Logger

	mu     sync.RWMutex
	runs   map[string]*Run
	closed bool
	wg     sync.WaitGroup
}

// NewManager creates a manager on top of engine.
func NewManager(engine *Engine, opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		engine: engine,
		opts:   opts,
		logger: opts.Logger,
		runs:   make(map[string]*Run),
	}
}

// StartRun validates the graph and starts a run in the background. The run
// outlives ctx; use Cancel to stop it.
func (m *Manager) StartRun(ctx context.Context, graphID string, seed []*item.Item, mode checkpoint.Mode) (string, error) {
	return m.Start(ctx, Request{GraphID: graphID, Seed: seed, Mode: mode})
}

// Start is StartRun with a full request.
func (m *Manager) Start(ctx context.Context, req Request) (string, error) {
	run, err := m.engine.newRun(req)
	if err != nil {
		return "", err
	}
	if err := m.engine.Validate(run.GraphID, run.vars); err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}
	if _, exists := m.runs[run.ID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", perrors.ErrDuplicateRun, run.ID)
	}
	m.runs[run.ID] = run
	m.wg.Add(1)
	m.mu.Unlock()

	// open the log now so StreamEvents works before the run goroutine starts
	m.engine.Bus().Open(run.ID)

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer m.wg.Done()
		m.engine.execute(runCtx, run, scope{root: run.ID})
		m.finished(runCtx, run)
	}()

	m.logger.Info("run scheduled",
		zap.String("run_id", run.ID),
		zap.String("graph_id", run.GraphID),
		zap.String("mode", string(run.Mode)))
	return run.ID, nil
}

func (m *Manager) finished(ctx context.Context, run *Run) {
	res := run.Result()
	if m.opts.Reports != nil {
		if _, err := m.opts.Reports.Write(ctx, res.Report()); err != nil {
			m.logger.Error("failed to write run report",
				zap.String("run_id", run.ID),
				zap.Error(err))
		}
	}
	if m.opts.OnFinish != nil {
		m.opts.OnFinish(res)
	}
}

func (m *Manager) get(runID string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", perrors.ErrRunNotFound, runID)
	}
	return run, nil
}

// Status returns a snapshot of a run.
func (m *Manager) Status(runID string) (Status, error) {
	run, err := m.get(runID)
	if err != nil {
		return Status{}, err
	}
	return run.Status(), nil
}

// Result returns the result of a finished run, or nil while it executes.
func (m *Manager) Result(runID string) (*Result, error) {
	run, err := m.get(runID)
	if err != nil {
		return nil, err
	}
	return run.Result(), nil
}

// Cancel asks a run to stop. Cancelling a finished run is a no-op.
func (m *Manager) Cancel(runID string) error {
	run, err := m.get(runID)
	if err != nil {
		return err
	}
	run.Cancel()
	m.logger.Info("run cancel requested", zap.String("run_id", runID))
	return nil
}

// Wait blocks until the run finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, runID string) (*Result, error) {
	run, err := m.get(runID)
	if err != nil {
		return nil, err
	}
	select {
	case <-run.Done():
		return run.Result(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StreamEvents replays the run's events from the beginning and follows new
// ones. The channel closes after the terminal event or when ctx is done.
func (m *Manager) StreamEvents(ctx context.Context, runID string) (<-chan events.Event, error) {
	if _, err := m.get(runID); err != nil {
		return nil, err
	}
	return m.engine.Bus().Subscribe(ctx, runID)
}

// List returns the status of every known run, newest first.
func (m *Manager) List() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, r.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Forget drops a finished run and its event log.
func (m *Manager) Forget(runID string) error {
	run, err := m.get(runID)
	if err != nil {
		return err
	}
	select {
	case <-run.Done():
	default:
		return fmt.Errorf("run %s is still executing", runID)
	}
	m.mu.Lock()
	delete(m.runs, runID)
	m.mu.Unlock()
	m.engine.Bus().Forget(runID)
	return nil
}

// Shutdown cancels every run and waits for them to finish or ctx to end.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for _, r := range m.runs {
		r.Cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
