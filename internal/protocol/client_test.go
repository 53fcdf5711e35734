package protocol

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/infrasonar/probe-go/internal/wire"
)

// fakeServer accepts one connection and lets the test drive raw reads/writes
// on the server side of the pipe.
func newClientPair(t *testing.T, handlers Handlers) (*Client, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	c := New(handlers, zap.NewNop())
	c.Attach(clientConn)
	go c.Run(context.Background())

	return c, serverConn
}

func readFrame(t *testing.T, conn net.Conn) *wire.Package {
	t.Helper()
	header := make([]byte, wire.HeaderSize)
	_, err := readFull(conn, header)
	require.NoError(t, err)
	pp, ok := wire.ParseHeader(header)
	require.True(t, ok)

	body := make([]byte, pp.Total-wire.HeaderSize)
	if len(body) > 0 {
		_, err = readFull(conn, body)
		require.NoError(t, err)
	}
	full := append(header, body...)
	pkg, err := pp.ExtractBody(full, func(byte) bool { return true })
	require.NoError(t, err)
	return pkg
}

func readFull(conn net.Conn, buf []byte) (int, error) {
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

func TestRequestPidIncreasesMonotonically(t *testing.T) {
	c, server := newClientPair(t, Handlers{})

	go func() {
		for i := 0; i < 3; i++ {
			req := readFrame(t, server)
			resp := wire.Make(req.Type|wire.ResponseBit, req.PartID, "ok")
			resp.Pid = req.Pid
			data, err := resp.ToBytes()
			require.NoError(t, err)
			_, err = server.Write(data)
			require.NoError(t, err)
		}
	}()

	var pids []uint16
	for i := 0; i < 3; i++ {
		pkg := wire.Make(TypeReqAnnounce, 0, nil)
		_, err := c.Request(pkg, time.Second)
		require.NoError(t, err)
		pids = append(pids, pkg.Pid)
	}

	assert.Equal(t, []uint16{1, 2, 3}, pids)
}

func TestConcurrentRequestsCorrelateIndependently(t *testing.T) {
	c, server := newClientPair(t, Handlers{})

	const n = 50
	go func() {
		for i := 0; i < n; i++ {
			req := readFrame(t, server)
			resp := wire.Make(req.Type|wire.ResponseBit, 0, req.Pid)
			resp.Pid = req.Pid
			data, err := resp.ToBytes()
			require.NoError(t, err)
			_, err = server.Write(data)
			require.NoError(t, err)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pkg := wire.Make(TypeReqAnnounce, 0, nil)
			data, err := c.Request(pkg, 2*time.Second)
			require.NoError(t, err)
			gotPid, ok := asInt(data)
			require.True(t, ok)
			assert.Equal(t, int(pkg.Pid), gotPid)
		}()
	}
	wg.Wait()
}

func TestDisconnectFailsEveryPendingRequest(t *testing.T) {
	c, server := newClientPair(t, Handlers{})

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			pkg := wire.Make(TypeReqAnnounce, 0, nil)
			_, err := c.Request(pkg, 0)
			errs[idx] = err
		}(i)
	}

	// Give the requests a moment to register before cutting the connection.
	time.Sleep(50 * time.Millisecond)
	server.Close()

	wg.Wait()
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrDisconnected)
	}
	assert.False(t, c.IsConnected())
}

func TestPendingCountTracksOutstandingRequests(t *testing.T) {
	c, server := newClientPair(t, Handlers{})
	defer server.Close()
	// Read the request off the pipe (and never answer it), so the client's
	// write completes and the request stays pending until its timeout.
	go func() {
		buf := make([]byte, 1024)
		for {
			if _, err := server.Read(buf); err != nil {
				return
			}
		}
	}()
	assert.Equal(t, 0, c.PendingCount())

	done := make(chan struct{})
	go func() {
		pkg := wire.Make(TypeReqAnnounce, 0, nil)
		_, _ = c.Request(pkg, 2*time.Second)
		close(done)
	}()

	require.Eventually(t, func() bool { return c.PendingCount() == 1 }, time.Second, 5*time.Millisecond)
	<-done
	assert.Equal(t, 0, c.PendingCount())
}

func TestPushHandlersDispatch(t *testing.T) {
	var gotAssetID int
	done := make(chan struct{}, 1)
	c, server := newClientPair(t, Handlers{
		OnUnsetAssets: func(ids []int) {
			if len(ids) > 0 {
				gotAssetID = ids[0]
			}
			done <- struct{}{}
		},
	})
	_ = c

	pkg := wire.Make(TypePushUnsetAssets, 0, []any{7})
	data, err := pkg.ToBytes()
	require.NoError(t, err)
	_, err = server.Write(data)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}
	assert.Equal(t, 7, gotAssetID)
}
