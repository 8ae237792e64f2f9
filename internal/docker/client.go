// Package docker talks to the Docker Engine API for container handoffs.
package docker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// ErrNotFound is returned when a container does not exist.
var ErrNotFound = errors.New("container not found")

// ContainerState is the part of an inspect response the updater uses.
type ContainerState struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Image   string `json:"image"`
	Running bool   `json:"running"`
	Status  string `json:"status"`
}

// Engine is the container API used by the finalizer and backup verification.
type Engine interface {
	Inspect(ctx context.Context, name string) (ContainerState, error)
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Start(ctx context.Context, name string) error
	Rename(ctx context.Context, name, newName string) error
	Remove(ctx context.Context, name string) error
}

// Client wraps the Docker client
type Client struct {
	dockerClient *client.Client
}

// NewClient creates a new Docker client from the environment and checks the daemon answers.
func NewClient(ctx context.Context) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	c := &Client{dockerClient: cli}
	if err := c.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return c, nil
}

// Ping checks the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.dockerClient.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to Docker daemon: %w", err)
	}
	return nil
}

// Close closes the Docker client connection
func (c *Client) Close() error {
	return c.dockerClient.Close()
}

// Inspect returns the state of a container by name or id.
func (c *Client) Inspect(ctx context.Context, name string) (ContainerState, error) {
	resp, err := c.dockerClient.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return ContainerState{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return ContainerState{}, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}
	if resp.ContainerJSONBase == nil {
		return ContainerState{}, fmt.Errorf("failed to inspect container %s: empty response", name)
	}

	state := ContainerState{
		ID:   resp.ID,
		Name: strings.TrimPrefix(resp.Name, "/"),
	}
	if resp.Config != nil {
		state.Image = resp.Config.Image
	}
	if resp.State != nil {
		state.Running = resp.State.Running
		state.Status = resp.State.Status
	}
	return state, nil
}

// Stop stops a container, waiting up to timeout before the daemon kills it.
func (c *Client) Stop(ctx context.Context, name string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := c.dockerClient.ContainerStop(ctx, name, container.StopOptions{Timeout: &secs}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	return nil
}

// Start starts a created or stopped container.
func (c *Client) Start(ctx context.Context, name string) error {
	if err := c.dockerClient.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start container %s: %w", name, err)
	}
	return nil
}

// Rename renames a container.
func (c *Client) Rename(ctx context.Context, name, newName string) error {
	if err := c.dockerClient.ContainerRename(ctx, name, newName); err != nil {
		return fmt.Errorf("failed to rename container %s to %s: %w", name, newName, err)
	}
	return nil
}

// Remove force-removes a container.
func (c *Client) Remove(ctx context.Context, name string) error {
	if err := c.dockerClient.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}
