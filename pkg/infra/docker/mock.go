package docker

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
)

// MockClient is an in-memory Client for tests. Failures are injected per
// image or per container name through the Fail* maps.
type MockClient struct {
	mu         sync.Mutex
	nextID     int
	Containers map[string]*MockContainer // id -> container
	Images     map[string]string         // tag -> digest

	FailPull  map[string]error // image -> error returned by PullImage
	FailPush  map[string]error // image -> error returned by PushImage
	FailStart map[string]error // container name -> error returned by CreateAndStartContainer
}

// MockContainer records a container created through the mock.
type MockContainer struct {
	ID     string
	Name   string
	Image  string
	Status string
	Opts   ContainerOptions
	Logs   string
}

func NewMockClient() *MockClient {
	return &MockClient{
		Containers: make(map[string]*MockContainer),
		Images:     make(map[string]string),
		FailPull:   make(map[string]error),
		FailPush:   make(map[string]error),
		FailStart:  make(map[string]error),
	}
}

// AddImage registers a pullable image with a deterministic digest.
func (m *MockClient) AddImage(image string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	digest := mockDigest(image)
	m.Images[image] = digest
	return digest
}

func mockDigest(image string) string {
	return fmt.Sprintf("sha256:%x", sha256.Sum256([]byte(image)))
}

func (m *MockClient) PullImage(ctx context.Context, image string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailPull[image]; err != nil {
		return "", err
	}
	digest, ok := m.Images[image]
	if !ok {
		return "", fmt.Errorf("image not found: %s", image)
	}
	return digest, nil
}

func (m *MockClient) PushImage(ctx context.Context, image string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailPush[image]; err != nil {
		return "", err
	}
	digest, ok := m.Images[image]
	if !ok {
		return "", fmt.Errorf("image not found: %s", image)
	}
	return digest, nil
}

func (m *MockClient) TagImage(ctx context.Context, source, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	digest, ok := m.Images[source]
	if !ok {
		return fmt.Errorf("image not found: %s", source)
	}
	m.Images[target] = digest
	return nil
}

func (m *MockClient) CreateAndStartContainer(ctx context.Context, name, image string, opts ContainerOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.FailStart[name]; err != nil {
		return "", err
	}
	for _, ct := range m.Containers {
		if ct.Name == name && ct.Status == "running" {
			return "", fmt.Errorf("container name %s already in use", name)
		}
	}
	m.nextID++
	ct := &MockContainer{
		ID:     fmt.Sprintf("mock-%04d", m.nextID),
		Name:   name,
		Image:  image,
		Status: "running",
		Opts:   opts,
	}
	m.Containers[ct.ID] = ct
	return ct.ID, nil
}

func (m *MockClient) StopContainer(ctx context.Context, containerID string, timeout int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Stopping a missing container is not an error, matching SDKClient.
	delete(m.Containers, containerID)
	return nil
}

func (m *MockClient) GetContainerStatus(ctx context.Context, containerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ct, ok := m.Containers[containerID]
	if !ok {
		return "", fmt.Errorf("container not found: %s", containerID)
	}
	return ct.Status, nil
}

func (m *MockClient) GetContainerLogs(ctx context.Context, containerID string, tail int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ct, ok := m.Containers[containerID]
	if !ok {
		return "", fmt.Errorf("container not found: %s", containerID)
	}
	lines := strings.Split(strings.TrimRight(ct.Logs, "\n"), "\n")
	if tail > 0 && tail < len(lines) {
		lines = lines[len(lines)-tail:]
	}
	return strings.Join(lines, "\n"), nil
}

func (m *MockClient) FindContainerByName(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ct := range m.Containers {
		if ct.Name == name {
			return ct.ID, nil
		}
	}
	return "", nil
}

// SetStatus overrides a container status, for simulating crashes in tests.
func (m *MockClient) SetStatus(containerID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ct, ok := m.Containers[containerID]; ok {
		ct.Status = status
	}
}

// RunningContainers returns the names of all running containers.
func (m *MockClient) RunningContainers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, ct := range m.Containers {
		if ct.Status == "running" {
			names = append(names, ct.Name)
		}
	}
	return names
}
