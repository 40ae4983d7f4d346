// Package nats opens the NATS connection used for event publishing and the
// checkpoint key-value bucket.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/retry"
)

// Settings describe how the process reaches the server.
type Settings struct {
	URL string

	// ClientName shows up in the server's connection list.
	ClientName string

	// Token wins over Username and Password.
	Token    string
	Username string
	Password string

	DialTimeout time.Duration

	// DialAttempts retries the initial dial; reconnects after that are
	// left to the client.
	DialAttempts  int
	Reconnects    int
	ReconnectWait time.Duration
}

// NewSettings returns settings for url suited to a long-running server.
func NewSettings(url, clientName string) Settings {
	return Settings{
		URL:           url,
		ClientName:    clientName,
		DialTimeout:   5 * time.Second,
		DialAttempts:  3,
		Reconnects:    10,
		ReconnectWait: 2 * time.Second,
	}
}

func (s Settings) options(logger *zap.Logger) []nats.Option {
	opts := []nats.Option{
		nats.Name(s.ClientName),
		nats.Timeout(s.DialTimeout),
		nats.MaxReconnects(s.Reconnects),
		nats.ReconnectWait(s.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("server", nc.ConnectedUrl()))
		}),
	}
	switch {
	case s.Token != "":
		opts = append(opts, nats.Token(s.Token))
	case s.Username != "":
		opts = append(opts, nats.UserInfo(s.Username, s.Password))
	}
	return opts
}

// Conn is an open connection with its JetStream context.
type Conn struct {
	*nats.Conn
	JetStream nats.JetStreamContext
}

// Dial connects and opens JetStream. The initial dial is retried with
// exponential backoff until ctx ends.
func Dial(ctx context.Context, s Settings, logger *zap.Logger) (*Conn, error) {
	if s.URL == "" {
		return nil, errors.New("nats: url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("nats_url", s.URL))

	policy := retry.Policy{
		Strategy:    retry.StrategyExponential,
		MaxAttempts: max(s.DialAttempts, 1),
		Interval:    250 * time.Millisecond,
		MaxInterval: 5 * time.Second,
	}
	var nc *nats.Conn
	_, err := policy.Do(ctx, func(int) error {
		c, err := dialOnce(ctx, s, logger)
		nc = c
		return err
	}, func(attempt int, err error, wait time.Duration) {
		logger.Warn("nats dial failed", zap.Int("attempt", attempt), zap.Duration("retry_in", wait), zap.Error(err))
	})
	if err != nil {
		return nil, err
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, &dialError{url: s.URL, err: err}
	}
	logger.Info("nats connected", zap.String("server", nc.ConnectedUrl()))
	return &Conn{Conn: nc, JetStream: js}, nil
}

// dialOnce runs the blocking client dial so ctx can abandon it. A
// connection that completes after ctx ended is closed.
func dialOnce(ctx context.Context, s Settings, logger *zap.Logger) (*nats.Conn, error) {
	done := make(chan struct{})
	var (
		nc  *nats.Conn
		err error
	)
	go func() {
		defer close(done)
		nc, err = nats.Connect(s.URL, s.options(logger)...)
	}()
	select {
	case <-done:
		if err != nil {
			return nil, &dialError{url: s.URL, err: err}
		}
		return nc, nil
	case <-ctx.Done():
		go func() {
			<-done
			if nc != nil {
				nc.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Close flushes pending publishes before closing.
func (c *Conn) Close() error {
	if c == nil || c.Conn == nil {
		return nil
	}
	if err := c.Drain(); err != nil {
		c.Conn.Close()
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

type dialError struct {
	url string
	err error
}

func (e *dialError) Error() string { return "nats " + e.url + ": " + e.err.Error() }
func (e *dialError) Unwrap() error { return e.err }
