// Package protocol implements the framed request/response client that
// talks to the agentcore supervisor (spec.md §4.2, component C2).
//
// One Client wraps a single TCP connection. It multiplexes outstanding
// requests by a 16-bit pid, dispatches unsolicited push frames to
// registered handlers, and fails every pending request the moment the
// connection is lost. All mutable state is touched only while mu is held;
// callers may invoke Request/Send/IsConnected from any goroutine, but the
// read loop itself follows the single-threaded-per-connection model
// spec.md §5 describes for the agentcore-facing dispatch logic.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/infrasonar/probe-go/internal/wire"
)

// ErrTimeout is returned by Request when the timeout elapses before a
// response arrives.
var ErrTimeout = errors.New("protocol: request timed out")

// ErrDisconnected is returned by Request (and by every outstanding
// request) when the underlying connection is lost.
var ErrDisconnected = errors.New("protocol: disconnected")

// Handlers bundles the three push-message callbacks the agentcore drives
// unsolicited (spec §4.2). Each is invoked synchronously from the read
// loop — handlers must not block.
type Handlers struct {
	OnSetAssets   func(assignments []Assignment)
	OnUnsetAssets func(assetIDs []int)
	OnUpsertAsset func(assetID int, assignments []Assignment)
}

type pendingRequest struct {
	resultCh chan result
	timer    *time.Timer
}

type result struct {
	data any
	err  error
}

// Client is a single framed TCP connection to the agentcore, plus request
// correlation and push dispatch.
type Client struct {
	logger    *zap.Logger
	handlers  Handlers
	sessionID uuid.UUID

	mu      sync.Mutex
	conn    net.Conn
	buf     []byte
	partial *wire.PartialPackage
	pending map[uint16]*pendingRequest
	nextPid uint16
}

// New creates a Client with no connection attached. Call Attach once a
// net.Conn is available, and Run to start its read loop.
func New(handlers Handlers, logger *zap.Logger) *Client {
	return &Client{
		logger:   logger.Named("protocol"),
		handlers: handlers,
		pending:  make(map[uint16]*pendingRequest),
	}
}

// Attach binds conn as the active transport and assigns a fresh session
// id for log correlation. Any previous connection is not closed here —
// the caller owns connection lifecycle.
func (c *Client) Attach(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.buf = c.buf[:0]
	c.partial = nil
	c.sessionID = uuid.New()
	sessionID := c.sessionID
	c.mu.Unlock()
	c.logger.Info("transport attached", zap.String("session_id", sessionID.String()))
}

// IsConnected reports whether a transport is currently attached.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// PendingCount reports the number of requests awaiting a response, for the
// probe's pending-requests gauge (internal/metrics).
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// isKnownType classifies the type byte of an incoming frame, used by the
// wire codec to decide between "unknown type, skip frame" and a normal
// decode attempt.
func isKnownType(t byte) bool {
	switch t {
	case TypeReqAnnounce, TypeFafDump,
		TypePushSetAssets, TypePushUnsetAssets, TypePushUpsertAsset:
		return true
	default:
		return false
	}
}

// Run reads frames from the attached connection until it errors out or ctx
// is cancelled, dispatching each decoded frame. It returns when the
// connection is no longer usable; the caller is responsible for
// reconnecting (spec §4.6, component C6 owns that policy).
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("protocol: Run called with no attached connection")
	}

	readErrCh := make(chan error, 1)
	go func() {
		readErrCh <- c.readLoop(conn)
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		<-readErrCh
		c.onConnectionLost()
		return ctx.Err()
	case err := <-readErrCh:
		c.onConnectionLost()
		return err
	}
}

func (c *Client) readLoop(conn net.Conn) error {
	chunk := make([]byte, 64*1024)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			c.mu.Lock()
			c.buf = append(c.buf, chunk[:n]...)
			c.mu.Unlock()
			c.drainBuffer()
		}
		if err != nil {
			return err
		}
	}
}

// drainBuffer repeatedly parses and dispatches complete frames out of the
// receive buffer (spec §4.2 "Framing and parsing").
func (c *Client) drainBuffer() {
	for {
		c.mu.Lock()
		if c.partial == nil {
			pp, ok := wire.ParseHeader(c.buf)
			if !ok {
				c.mu.Unlock()
				return
			}
			c.partial = &pp
		}
		partial := *c.partial
		if len(c.buf) < partial.Total {
			c.mu.Unlock()
			return
		}

		pkg, err := partial.ExtractBody(c.buf, isKnownType)
		remaining := append([]byte(nil), c.buf[partial.Total:]...)
		c.buf = remaining
		c.partial = nil
		c.mu.Unlock()

		switch {
		case errors.Is(err, wire.ErrUnknownType):
			c.logger.Warn("dropping frame with unknown type", zap.Uint8("type", partial.Type))
		case err != nil:
			c.logger.Error("failed to decode frame, resynchronizing", zap.Error(err))
			c.mu.Lock()
			c.buf = c.buf[:0]
			c.partial = nil
			c.mu.Unlock()
			return
		default:
			c.dispatch(pkg)
		}
	}
}

func (c *Client) dispatch(pkg *wire.Package) {
	if pkg.IsResponse() {
		c.mu.Lock()
		pr, ok := c.pending[pkg.Pid]
		if ok {
			delete(c.pending, pkg.Pid)
		}
		c.mu.Unlock()
		if !ok {
			c.logger.Warn("response for unknown or already-resolved pid", zap.Uint32("pid", uint32(pkg.Pid)))
			return
		}
		if pr.timer != nil {
			pr.timer.Stop()
		}
		pr.resultCh <- result{data: pkg.Data}
		return
	}

	switch pkg.Type {
	case TypePushSetAssets:
		assignments, err := ParseSetAssets(pkg.Data)
		if err != nil {
			c.logger.Error("malformed set_assets frame", zap.Error(err))
			return
		}
		if c.handlers.OnSetAssets != nil {
			c.handlers.OnSetAssets(assignments)
		}
	case TypePushUnsetAssets:
		ids, err := ParseUnsetAssets(pkg.Data)
		if err != nil {
			c.logger.Error("malformed unset_assets frame", zap.Error(err))
			return
		}
		if c.handlers.OnUnsetAssets != nil {
			c.handlers.OnUnsetAssets(ids)
		}
	case TypePushUpsertAsset:
		assetID, assignments, err := ParseUpsertAsset(pkg.Data)
		if err != nil {
			c.logger.Error("malformed upsert_asset frame", zap.Error(err))
			return
		}
		if c.handlers.OnUpsertAsset != nil {
			c.handlers.OnUpsertAsset(assetID, assignments)
		}
	default:
		c.logger.Warn("no push handler registered for frame type", zap.Uint8("type", pkg.Type))
	}
}

// onConnectionLost clears buffered state and fails every pending request
// with ErrDisconnected (spec §4.2 "Connection-lost handling").
func (c *Client) onConnectionLost() {
	c.mu.Lock()
	sessionID := c.sessionID
	c.conn = nil
	c.buf = nil
	c.partial = nil
	pending := c.pending
	c.pending = make(map[uint16]*pendingRequest)
	c.mu.Unlock()

	if len(pending) > 0 {
		c.logger.Warn("connection lost, failing pending requests",
			zap.String("session_id", sessionID.String()),
			zap.Int("pending", len(pending)),
		)
	}

	for _, pr := range pending {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		pr.resultCh <- result{err: ErrDisconnected}
	}
}

// Request assigns the next pid, writes the frame, and blocks until a
// matching response arrives, the timeout elapses, or the connection is
// lost. A zero timeout means wait indefinitely for a response or
// disconnect.
func (c *Client) Request(pkg *wire.Package, timeout time.Duration) (any, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrDisconnected
	}
	c.nextPid++
	pid := c.nextPid
	pkg.Pid = pid

	pr := &pendingRequest{resultCh: make(chan result, 1)}
	if timeout > 0 {
		pr.timer = time.AfterFunc(timeout, func() { c.timeoutPid(pid) })
	}
	c.pending[pid] = pr
	conn := c.conn
	c.mu.Unlock()

	data, err := pkg.ToBytes()
	if err != nil {
		c.removePending(pid)
		return nil, err
	}
	if _, err := conn.Write(data); err != nil {
		c.removePending(pid)
		return nil, ErrDisconnected
	}

	r := <-pr.resultCh
	return r.data, r.err
}

func (c *Client) removePending(pid uint16) {
	c.mu.Lock()
	pr, ok := c.pending[pid]
	if ok {
		delete(c.pending, pid)
	}
	c.mu.Unlock()
	if ok && pr.timer != nil {
		pr.timer.Stop()
	}
}

// timeoutPid fires from the per-request timer; it atomically removes the
// pending entry (if still present — a late response may have already
// claimed it) and fails its future with ErrTimeout.
func (c *Client) timeoutPid(pid uint16) {
	c.mu.Lock()
	pr, ok := c.pending[pid]
	if ok {
		delete(c.pending, pid)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	pr.resultCh <- result{err: ErrTimeout}
}

// Send is a fire-and-forget write: no pid tracking, no completion signal.
// Used for result dumps (spec §4.2).
func (c *Client) Send(pkg *wire.Package) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	data, err := pkg.ToBytes()
	if err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}
