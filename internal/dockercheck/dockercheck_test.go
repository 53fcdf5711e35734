package dockercheck

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infrasonar/probe-go/internal/check"
)

func TestNewClientWithCustomSocketPath(t *testing.T) {
	c, err := NewClient("/tmp/nonexistent-probe-test.sock")
	require.NoError(t, err, "constructing the client must not dial the daemon eagerly")
	require.NotNil(t, c)
	defer c.Close()
}

func TestCheckReportsDaemonUnavailableWhenUnreachable(t *testing.T) {
	c, err := NewClient("/tmp/nonexistent-probe-test.sock")
	require.NoError(t, err)
	defer c.Close()

	fn := c.Check()
	result, err := fn(context.Background(), check.Asset{ID: 1, Name: "host", CheckKey: "containers"}, nil, nil)
	assert.Nil(t, result)
	require.Error(t, err)
	// A "no such container" classification only applies to a reachable
	// daemon reporting 404; an unreachable socket must classify as
	// ErrDaemonUnavailable instead.
	assert.True(t, errors.Is(err, ErrDaemonUnavailable))
}
