package supervisor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/infrasonar/probe-go/internal/metrics"
	"github.com/infrasonar/probe-go/internal/protocol"
	"github.com/infrasonar/probe-go/internal/wire"
)

func TestSleepQuantizedReturnsFalseOnCancel(t *testing.T) {
	s := &Supervisor{logger: zap.NewNop()}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	ok := s.sleepQuantized(ctx, 5*time.Second)
	assert.False(t, ok)
}

func TestSleepQuantizedReturnsTrueAfterFullDuration(t *testing.T) {
	s := &Supervisor{logger: zap.NewNop()}
	start := time.Now()
	ok := s.sleepQuantized(context.Background(), 1100*time.Millisecond)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

// TestRunAnnouncesAndServesUntilCancelled spins up a fake agentcore that
// accepts one connection, answers ANNOUNCE, and then blocks; Run must
// return ctx.Err() when the context is cancelled rather than reporting an
// error.
func TestRunAnnouncesAndServesUntilCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		header := make([]byte, wire.HeaderSize)
		if _, err := readFullConn(conn, header); err != nil {
			return
		}
		pp, ok := wire.ParseHeader(header)
		if !ok {
			return
		}
		body := make([]byte, pp.Total-wire.HeaderSize)
		if len(body) > 0 {
			if _, err := readFullConn(conn, body); err != nil {
				return
			}
		}
		resp := wire.Make(protocol.TypeReqAnnounce|wire.ResponseBit, 0, "ok")
		resp.Pid = pp.Pid
		data, err := resp.ToBytes()
		if err != nil {
			return
		}
		conn.Write(data)

		// Keep the connection open until the test cancels the client.
		buf := make([]byte, 64)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	client := protocol.New(protocol.Handlers{}, zap.NewNop())
	sup := New(Config{Host: "127.0.0.1", Port: addr.Port, ProbeName: "test", Version: "0.0.0"}, client, metrics.New(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- sup.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-runErrCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func readFullConn(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
