package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// managedLabel marks containers created by this engine so cleanup never
// touches containers belonging to anything else.
const managedLabel = "conveyor.managed"

// SDKClient implements Client using the official Docker Go SDK.
type SDKClient struct {
	cli          *dockerclient.Client
	registryAuth string
}

type SDKOption func(*SDKClient)

// WithRegistryAuth sets the base64-encoded registry auth used for pushes.
func WithRegistryAuth(auth string) SDKOption {
	return func(c *SDKClient) { c.registryAuth = auth }
}

// NewSDKClient creates an SDKClient configured from environment variables
// (DOCKER_HOST, DOCKER_TLS_VERIFY, DOCKER_CERT_PATH, DOCKER_API_VERSION).
func NewSDKClient(opts ...SDKOption) (*SDKClient, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker sdk client: %w", err)
	}
	c := &SDKClient{cli: cli}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// PullImage pulls an image and returns its repo digest.
func (c *SDKClient) PullImage(ctx context.Context, img string) (string, error) {
	rc, err := c.cli.ImagePull(ctx, img, image.PullOptions{RegistryAuth: c.registryAuth})
	if err != nil {
		return "", fmt.Errorf("docker ImagePull %s: %w", img, err)
	}
	// Drain the reader to complete the pull; output is JSON progress.
	_, _ = io.Copy(io.Discard, rc)
	rc.Close()

	info, _, err := c.cli.ImageInspectWithRaw(ctx, img)
	if err != nil {
		return "", fmt.Errorf("docker ImageInspect %s: %w", img, err)
	}
	for _, rd := range info.RepoDigests {
		if at := strings.LastIndex(rd, "@"); at >= 0 {
			return rd[at+1:], nil
		}
	}
	return info.ID, nil
}

// PushImage pushes an image by tag and returns the digest reported by the
// registry in the push progress stream.
func (c *SDKClient) PushImage(ctx context.Context, img string) (string, error) {
	rc, err := c.cli.ImagePush(ctx, img, image.PushOptions{RegistryAuth: c.registryAuth})
	if err != nil {
		return "", fmt.Errorf("docker ImagePush %s: %w", img, err)
	}
	defer rc.Close()

	// The progress stream is JSON lines; the final aux message carries
	// the manifest digest.
	var digest string
	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg struct {
			Error string `json:"error"`
			Aux   struct {
				Digest string `json:"digest"`
			} `json:"aux"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return "", fmt.Errorf("docker push %s: %s", img, msg.Error)
		}
		if msg.Aux.Digest != "" {
			digest = msg.Aux.Digest
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading push stream: %w", err)
	}
	return digest, nil
}

// TagImage applies a new tag to an existing local image.
func (c *SDKClient) TagImage(ctx context.Context, source, target string) error {
	if err := c.cli.ImageTag(ctx, source, target); err != nil {
		return fmt.Errorf("docker ImageTag %s -> %s: %w", source, target, err)
	}
	return nil
}

// CreateAndStartContainer creates and starts a container, returning its ID.
func (c *SDKClient) CreateAndStartContainer(ctx context.Context, name, img string, opts ContainerOptions) (string, error) {
	portBindings := nat.PortMap{}
	exposedPorts := nat.PortSet{}
	for hostPort, containerPort := range opts.Ports {
		p := nat.Port(containerPort + "/tcp")
		exposedPorts[p] = struct{}{}
		portBindings[p] = []nat.PortBinding{{HostPort: hostPort}}
	}

	labels := map[string]string{managedLabel: "true"}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	cfg := &container.Config{
		Image:        img,
		Cmd:          opts.Cmd,
		Env:          opts.Env,
		Labels:       labels,
		ExposedPorts: exposedPorts,
	}

	hostCfg := &container.HostConfig{
		PortBindings: portBindings,
		// No automatic restart. The deployment controller owns retries
		// and rollback; a restart policy would fight the health check.
	}

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("docker ContainerCreate: %w", err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up the created container so it doesn't block the port or
		// the name on the next attempt.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = c.cli.ContainerRemove(cleanupCtx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("docker ContainerStart: %w", err)
	}

	return resp.ID, nil
}

// StopContainer stops and removes a container. timeout is in seconds.
func (c *SDKClient) StopContainer(ctx context.Context, containerID string, timeout int) error {
	stopOpts := container.StopOptions{Timeout: &timeout}
	if err := c.cli.ContainerStop(ctx, containerID, stopOpts); err != nil {
		// Ignore "not found", the container may already be gone.
		if !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("docker ContainerStop: %w", err)
		}
	}

	if err := c.cli.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true}); err != nil {
		if !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("docker ContainerRemove: %w", err)
		}
	}
	return nil
}

// GetContainerStatus returns the container state string (e.g. "running", "exited").
func (c *SDKClient) GetContainerStatus(ctx context.Context, containerID string) (string, error) {
	info, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("docker ContainerInspect: %w", err)
	}
	return info.State.Status, nil
}

// GetContainerLogs returns the last tail lines of container logs (stdout+stderr combined).
func (c *SDKClient) GetContainerLogs(ctx context.Context, containerID string, tail int) (string, error) {
	logOpts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	}
	rc, err := c.cli.ContainerLogs(ctx, containerID, logOpts)
	if err != nil {
		return "", fmt.Errorf("docker ContainerLogs: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("reading container logs: %w", err)
	}
	return string(data), nil
}

// FindContainerByName returns the ID of the container with the exact
// given name, or "" when none exists.
func (c *SDKClient) FindContainerByName(ctx context.Context, name string) (string, error) {
	f := filters.NewArgs()
	f.Add("name", name)

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return "", fmt.Errorf("docker ContainerList: %w", err)
	}

	// The name filter is a substring match; require an exact hit.
	for _, ct := range containers {
		for _, n := range ct.Names {
			if strings.TrimPrefix(n, "/") == name {
				return ct.ID, nil
			}
		}
	}
	return "", nil
}
