package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/retry"
)

// JetStream is the subset of nats.JetStreamContext the NATS sink uses.
// Tests provide a fake without a running server.
type JetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// NATSSinkConfig configures a NATSSink.
type NATSSinkConfig struct {
	// Stream is the JetStream stream holding run events. Default: PIPELINE_EVENTS
	Stream string
	// SubjectPrefix prefixes the run id. Default: pipeline.events
	SubjectPrefix string
	// MaxAge bounds how long events are retained. Default: 24h
	MaxAge time.Duration
	// PublishRetries is the number of attempts per event. Default: 3
	PublishRetries int
	// RetryDelay is the wait between attempts. Default: 200ms
	RetryDelay time.Duration
}

func (c *NATSSinkConfig) applyDefaults() {
	if c.Stream == "" {
		c.Stream = "PIPELINE_EVENTS"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "pipeline.events"
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 24 * time.Hour
	}
	if c.PublishRetries <= 0 {
		c.PublishRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 200 * time.Millisecond
	}
}

// NATSSink publishes events to JetStream on "<prefix>.<runID>". The
// message id is derived from run id and sequence so redelivered publishes
// are deduplicated by the server.
type NATSSink struct {
	js     JetStream
	cfg    NATSSinkConfig
	logger *zap.Logger
}

// NewNATSSink creates a sink publishing through js.
func NewNATSSink(js JetStream, cfg NATSSinkConfig, logger *zap.Logger) (*NATSSink, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &NATSSink{js: js, cfg: cfg, logger: logger}, nil
}

// Subject returns the subject events of runID are published on.
func (s *NATSSink) Subject(runID string) string {
	return s.cfg.SubjectPrefix + "." + runID
}

// EnsureStream creates the events stream when it does not exist.
func (s *NATSSink) EnsureStream() error {
	info, err := s.js.StreamInfo(s.cfg.Stream)
	if err == nil {
		s.logger.Info("JetStream stream already exists",
			zap.String("stream", s.cfg.Stream),
			zap.Uint64("messages", info.State.Msgs))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info for '%s': %w", s.cfg.Stream, err)
	}

	cfg := &nats.StreamConfig{
		Name:      s.cfg.Stream,
		Subjects:  []string{s.cfg.SubjectPrefix + ".>"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    s.cfg.MaxAge,
		Replicas:  1,
	}
	if _, err := s.js.AddStream(cfg); err != nil {
		return fmt.Errorf("failed to create stream '%s': %w", s.cfg.Stream, err)
	}
	s.logger.Info("Created JetStream stream",
		zap.String("stream", s.cfg.Stream),
		zap.Strings("subjects", cfg.Subjects),
		zap.Duration("max_age", cfg.MaxAge))
	return nil
}

// Handle implements Sink.
func (s *NATSSink) Handle(e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := s.Subject(e.RunID)
	msgID := e.RunID + "-" + strconv.FormatUint(e.Seq, 10)
	policy := retry.Policy{Strategy: retry.StrategyFixed, MaxAttempts: s.cfg.PublishRetries, Interval: s.cfg.RetryDelay}

	_, err = policy.Do(context.Background(), func(int) error {
		_, err := s.js.Publish(subject, data, nats.MsgId(msgID))
		return err
	}, func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("Publish attempt failed",
			zap.String("subject", subject),
			zap.Int("attempt", attempt),
			zap.Duration("retry_delay", wait),
			zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("failed to publish event %s to %s: %w", msgID, subject, err)
	}
	return nil
}
