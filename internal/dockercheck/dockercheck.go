// Package dockercheck implements a single check.Func, "containers", that
// lists the running containers visible to a Docker daemon. It is the
// sample collector wired into cmd/probe-docker to exercise the full
// check-registration path end to end.
package dockercheck

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"

	"github.com/infrasonar/probe-go/internal/check"
)

// ErrDaemonUnavailable wraps any failure reaching the Docker daemon.
var ErrDaemonUnavailable = errors.New("dockercheck: daemon unavailable")

// Client wraps the Docker SDK client used by the check function.
type Client struct {
	docker *dockerclient.Client
}

// NewClient connects to the Docker daemon at socketPath, or the SDK
// default (DOCKER_HOST, or the platform socket) when socketPath is empty.
func NewClient(socketPath string) (*Client, error) {
	opts := []dockerclient.Opt{dockerclient.WithAPIVersionNegotiation()}
	if socketPath != "" {
		opts = append(opts, dockerclient.WithHost("unix://"+socketPath))
	}
	dc, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDaemonUnavailable, err)
	}
	return &Client{docker: dc}, nil
}

// Close releases the underlying client resources.
func (c *Client) Close() error { return c.docker.Close() }

// Check lists running containers, returning a check.Func ready for
// probe.Options.CheckFuncs["containers"]. The asset descriptor and its
// resolved config are both accepted but unused by this sample — a real
// collector would use assetConfig to target a specific remote daemon.
func (c *Client) Check() check.Func {
	return func(ctx context.Context, asset check.Asset, assetConfig map[string]any, checkConfig check.Config) (map[string]any, error) {
		containers, err := c.docker.ContainerList(ctx, container.ListOptions{})
		if err != nil {
			if dockerclient.IsErrNotFound(err) {
				return nil, check.NewCheckError("no such container")
			}
			return nil, fmt.Errorf("%w: %s", ErrDaemonUnavailable, err)
		}

		items := make([]map[string]any, 0, len(containers))
		for _, item := range containers {
			name := item.ID
			if len(item.Names) > 0 {
				name = item.Names[0]
			}
			items = append(items, map[string]any{
				"name":    name,
				"id":      item.ID,
				"image":   item.Image,
				"state":   item.State,
				"status":  item.Status,
				"created": item.Created,
			})
		}

		result := map[string]any{"containers": items}
		return check.OrderResult(result), nil
	}
}
