package deploy

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/conveyor-ci/conveyor/pkg/core"
	"github.com/conveyor-ci/conveyor/pkg/infra/docker"
	"github.com/conveyor-ci/conveyor/pkg/infra/logger"
)

// LockWait selects how Deploy behaves when another deployment holds the
// target lock.
type LockWait string

const (
	// LockWaitBlock queues behind the current deployment.
	LockWaitBlock LockWait = "block"
	// LockWaitFail returns a target-busy error immediately.
	LockWaitFail LockWait = "fail"
)

// HealthCheckFunc probes a candidate instance. A nil return means healthy.
type HealthCheckFunc func(ctx context.Context, url string) error

// Options configures a Controller.
type Options struct {
	LockWait        LockWait
	HealthInterval  time.Duration
	HealthMaxChecks int
	HealthTimeout   time.Duration // per probe
	StopTimeoutSec  int
	HealthCheck     HealthCheckFunc // defaults to an HTTP GET probe
}

func (o *Options) defaults() {
	if o.LockWait == "" {
		o.LockWait = LockWaitBlock
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 2 * time.Second
	}
	if o.HealthMaxChecks <= 0 {
		o.HealthMaxChecks = 10
	}
	if o.HealthTimeout <= 0 {
		o.HealthTimeout = 5 * time.Second
	}
	if o.StopTimeoutSec <= 0 {
		o.StopTimeoutSec = 30
	}
}

// Result describes a completed deployment.
type Result struct {
	Target      string `json:"target"`
	Image       string `json:"image"`
	Digest      string `json:"digest"`
	Slot        Slot   `json:"slot"`
	ContainerID string `json:"container_id"`
	Previous    string `json:"previous_image,omitempty"`
}

// Controller rolls targets to new images. One controller serves many
// targets; deployments to distinct targets run concurrently, deployments
// to the same target serialize on the target lock.
type Controller struct {
	registry *Registry
	runtime  docker.Client
	opts     Options
}

func NewController(registry *Registry, runtime docker.Client, opts Options) *Controller {
	opts.defaults()
	if opts.HealthCheck == nil {
		opts.HealthCheck = httpHealthCheck(opts.HealthTimeout)
	}
	return &Controller{registry: registry, runtime: runtime, opts: opts}
}

func httpHealthCheck(timeout time.Duration) HealthCheckFunc {
	client := &http.Client{Timeout: timeout}
	return func(ctx context.Context, url string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("health endpoint returned %s", resp.Status)
		}
		return nil
	}
}

// Deploy rolls a target to imageRef. On health-check failure the candidate
// is torn down and the previous instance keeps serving; the returned error
// carries the deployment-failed code. The target lock is released on every
// exit path, including context cancellation.
func (c *Controller) Deploy(ctx context.Context, targetName, imageRef string) (*Result, error) {
	target, ok := c.registry.Get(targetName)
	if !ok {
		return nil, core.NewDomain("deploy", core.ErrCodeDeploymentFailed,
			fmt.Sprintf("unknown deployment target %q", targetName))
	}
	log := logger.WithContext(logger.SetTarget(ctx, targetName))

	// Verify the image is pullable before taking the lock, so a bad tag
	// never blocks other deployments to the same target.
	digest, err := c.runtime.PullImage(ctx, imageRef)
	if err != nil {
		return nil, core.Wrap(err, core.ErrCodeImageNotFound,
			fmt.Sprintf("image %s is not pullable", imageRef))
	}

	state, _ := c.registry.state(targetName)
	if err := c.acquire(ctx, state); err != nil {
		return nil, err
	}
	defer c.release(state)

	state.mu.Lock()
	activeSlot := state.activeSlot
	activeID := state.activeID
	previousImage := state.activeImage
	state.mu.Unlock()

	candidateSlot := activeSlot.other()
	candidateName := target.containerName(candidateSlot)
	candidatePort := target.port(candidateSlot)

	// A stale candidate from an interrupted earlier deployment would hold
	// the standby port; clear it first.
	if staleID, err := c.runtime.FindContainerByName(ctx, candidateName); err == nil && staleID != "" {
		_ = c.runtime.StopContainer(ctx, staleID, c.opts.StopTimeoutSec)
	}

	log.Info("starting candidate instance",
		"image", imageRef, "slot", string(candidateSlot), "port", candidatePort)

	containerPort := target.ContainerPort
	if containerPort == 0 {
		containerPort = candidatePort
	}
	candidateID, err := c.runtime.CreateAndStartContainer(ctx, candidateName, imageRef, docker.ContainerOptions{
		Env:    target.Env,
		Ports:  map[string]string{strconv.Itoa(candidatePort): strconv.Itoa(containerPort)},
		Labels: map[string]string{"conveyor.target": targetName, "conveyor.slot": string(candidateSlot)},
	})
	if err != nil {
		return nil, core.Wrap(err, core.ErrCodeDeploymentFailed,
			fmt.Sprintf("start candidate for target %s", targetName))
	}

	if err := c.awaitHealthy(ctx, target, candidatePort, candidateID); err != nil {
		log.Warn("candidate failed health check, rolling back",
			"image", imageRef, "error", err.Error())
		c.teardown(candidateID)
		return nil, core.Wrap(err, core.ErrCodeDeploymentFailed,
			fmt.Sprintf("target %s rejected image %s", targetName, imageRef))
	}

	// Switchover. The old instance is stopped only after the candidate is
	// healthy, so the target never drops to zero serving instances.
	if activeID != "" {
		if err := c.runtime.StopContainer(ctx, activeID, c.opts.StopTimeoutSec); err != nil {
			log.Warn("failed to stop previous instance", "container", activeID, "error", err.Error())
		}
	}

	state.mu.Lock()
	state.activeSlot = candidateSlot
	state.activeID = candidateID
	state.activeImage = imageRef
	state.mu.Unlock()

	log.Info("deployment complete",
		"image", imageRef, "digest", digest, "slot", string(candidateSlot))

	return &Result{
		Target:      targetName,
		Image:       imageRef,
		Digest:      digest,
		Slot:        candidateSlot,
		ContainerID: candidateID,
		Previous:    previousImage,
	}, nil
}

func (c *Controller) acquire(ctx context.Context, state *targetState) error {
	if c.opts.LockWait == LockWaitFail {
		select {
		case state.lock <- struct{}{}:
			return nil
		default:
			return core.NewDomain("deploy", core.ErrCodeTargetBusy,
				"another deployment holds the target lock")
		}
	}
	select {
	case state.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return core.Wrap(ctx.Err(), core.ErrCodeRunCancelled, "waiting for target lock")
	}
}

func (c *Controller) release(state *targetState) {
	<-state.lock
}

// awaitHealthy probes the candidate until it passes, the check budget is
// exhausted, or the container stops running.
func (c *Controller) awaitHealthy(ctx context.Context, target Target, port int, containerID string) error {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, target.HealthPath)
	var lastErr error
	for i := 0; i < c.opts.HealthMaxChecks; i++ {
		if i > 0 {
			select {
			case <-time.After(c.opts.HealthInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if status, err := c.runtime.GetContainerStatus(ctx, containerID); err == nil && status != "running" {
			logs, _ := c.runtime.GetContainerLogs(ctx, containerID, 20)
			return fmt.Errorf("candidate container exited (status %s): %s", status, logs)
		}

		if err := c.opts.HealthCheck(ctx, url); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("health check did not pass after %d attempts: %w", c.opts.HealthMaxChecks, lastErr)
}

// teardown removes a failed candidate. Runs on a fresh context so a
// cancelled deployment still cleans up.
func (c *Controller) teardown(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(c.opts.StopTimeoutSec+5)*time.Second)
	defer cancel()
	_ = c.runtime.StopContainer(ctx, containerID, c.opts.StopTimeoutSec)
}
