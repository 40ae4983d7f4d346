package events

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter is the subset of *sentry.Hub the Sentry sink uses.
type Reporter interface {
	WithScope(f func(scope *sentry.Scope))
	CaptureException(exception error) *sentry.EventID
	Flush(timeout time.Duration) bool
}

// SentrySink reports failure events to Sentry. Other events are ignored.
type SentrySink struct {
	hub Reporter
}

// NewSentrySink creates a sink reporting through hub.
func NewSentrySink(hub Reporter) *SentrySink {
	return &SentrySink{hub: hub}
}

// NewSentryHub builds a hub for dsn with the given environment tag.
func NewSentryHub(dsn, environment string) (*sentry.Hub, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sentry client: %w", err)
	}
	return sentry.NewHub(client, sentry.NewScope()), nil
}

// Handle implements Sink.
func (s *SentrySink) Handle(e Event) error {
	if !e.IsFailure() {
		return nil
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("run_id", e.RunID)
		scope.SetTag("event_type", string(e.Type))
		if e.GraphID != "" {
			scope.SetTag("graph_id", e.GraphID)
		}
		if e.NodeID != "" {
			scope.SetTag("node_id", e.NodeID)
		}
		if e.ErrorCode != "" {
			scope.SetTag("error_code", e.ErrorCode)
		}
		if e.ItemID != "" {
			scope.SetContext("item", sentry.Context{"id": e.ItemID})
		}
		s.hub.CaptureException(fmt.Errorf("%s: %s", e.Type, e.Error))
	})
	return nil
}

// Flush waits for buffered reports.
func (s *SentrySink) Flush(timeout time.Duration) bool {
	return s.hub.Flush(timeout)
}
