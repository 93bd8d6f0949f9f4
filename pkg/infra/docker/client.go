// Package docker wraps the container runtime operations the deployment
// controller and the containerize stage need. The runtime is an opaque
// collaborator: the engine only needs pull/run/stop semantics and exit
// status, never image internals.
package docker

import "context"

// ContainerOptions configures a container started by the engine.
type ContainerOptions struct {
	Env    []string
	Cmd    []string
	Ports  map[string]string // hostPort -> containerPort
	Labels map[string]string
}

// Client is the interface for container lifecycle and image operations.
type Client interface {
	// PullImage pulls an image by tag and returns its digest.
	PullImage(ctx context.Context, image string) (string, error)

	// PushImage pushes an image by tag and returns its digest.
	PushImage(ctx context.Context, image string) (string, error)

	// TagImage applies a new tag to an existing local image.
	TagImage(ctx context.Context, source, target string) error

	// CreateAndStartContainer creates and starts a container, returning its ID.
	CreateAndStartContainer(ctx context.Context, name, image string, opts ContainerOptions) (string, error)

	// StopContainer stops and removes a container. timeout is in seconds.
	// Stopping a container that is already gone is not an error.
	StopContainer(ctx context.Context, containerID string, timeout int) error

	// GetContainerStatus returns the container state (e.g. "running", "exited").
	GetContainerStatus(ctx context.Context, containerID string) (string, error)

	// GetContainerLogs returns the last `tail` lines of container logs.
	GetContainerLogs(ctx context.Context, containerID string, tail int) (string, error)

	// FindContainerByName returns the ID of the named container, or ""
	// if no such container exists.
	FindContainerByName(ctx context.Context, name string) (string, error)
}

// Compile-time assertions.
var (
	_ Client = (*SDKClient)(nil)
	_ Client = (*MockClient)(nil)
)
