// Package supervisor owns the probe's connection lifecycle (spec.md §4.6,
// component C6): dialing the agentcore, issuing ANNOUNCE, and driving
// reconnect attempts with exponential backoff while the protocol client's
// read loop is down.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/infrasonar/probe-go/internal/metrics"
	"github.com/infrasonar/probe-go/internal/protocol"
	"github.com/infrasonar/probe-go/internal/wire"
)

const (
	connectTimeout  = 10 * time.Second
	announceTimeout = 10 * time.Second
	initialStep     = 2 * time.Second
	maxStep         = 128 * time.Second
)

// Config configures one Supervisor.
type Config struct {
	Host      string
	Port      int
	ProbeName string
	Version   string
}

// Supervisor drives the dial/announce/read-loop/reconnect cycle until its
// context is cancelled.
type Supervisor struct {
	cfg     Config
	client  *protocol.Client
	logger  *zap.Logger
	metrics *metrics.Registry
	dialer  net.Dialer
}

// New creates a Supervisor bound to client, which it attaches a fresh
// connection to on every successful dial.
func New(cfg Config, client *protocol.Client, reg *metrics.Registry, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		client:  client,
		logger:  logger.Named("supervisor"),
		metrics: reg,
		dialer:  net.Dialer{Timeout: connectTimeout},
	}
}

// Run blocks until ctx is cancelled, repeatedly connecting, announcing, and
// running the protocol client's read loop, backing off between failed
// attempts (spec §4.6 state machine).
func (s *Supervisor) Run(ctx context.Context) error {
	step := backoff.NewExponentialBackOff()
	step.InitialInterval = initialStep
	step.MaxInterval = maxStep
	step.Multiplier = 2
	step.RandomizationFactor = 0
	step.MaxElapsedTime = 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := s.connectAndServe(ctx, step); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("agentcore session ended, backing off before reconnect", zap.Error(err))
			if s.metrics != nil {
				s.metrics.ReconnectAttempts.Inc()
			}
			wait := step.NextBackOff()
			if !s.sleepQuantized(ctx, wait) {
				return ctx.Err()
			}
			continue
		}

		return ctx.Err()
	}
}

// connectAndServe performs one dial+announce+serve cycle. It returns nil
// only when the read loop exits because ctx was cancelled; any other
// return (including a disconnect) is a value the caller backs off on.
func (s *Supervisor) connectAndServe(ctx context.Context, step *backoff.ExponentialBackOff) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	conn, err := s.dialer.DialContext(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		return fmt.Errorf("supervisor: dial %s: %w", addr, err)
	}

	s.client.Attach(conn)
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- s.client.Run(ctx) }()

	announcePkg := wire.Make(protocol.TypeReqAnnounce, 0, []any{s.cfg.ProbeName, s.cfg.Version})
	if _, err := s.client.Request(announcePkg, announceTimeout); err != nil {
		conn.Close()
		<-runErrCh
		if s.metrics != nil {
			s.metrics.AnnounceFailures.Inc()
		}
		return fmt.Errorf("supervisor: announce: %w", err)
	}

	s.logger.Info("announced to agentcore", zap.String("probe", s.cfg.ProbeName), zap.String("version", s.cfg.Version))
	step.Reset()

	runErr := <-runErrCh
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("supervisor: connection lost: %w", runErr)
}

// sleepQuantized sleeps d in one-second slices so cancellation is noticed
// promptly (spec §4.6 "as 1-second quanta"). It returns false if ctx was
// cancelled before d elapsed.
func (s *Supervisor) sleepQuantized(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	remaining := d
	for remaining > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			remaining -= time.Second
			if remaining > 0 {
				timer.Reset(time.Second)
			}
		}
	}
	return true
}
