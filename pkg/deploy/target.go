// Package deploy implements the deployment controller: rolling a target
// to a new container image with health checking and rollback, under a
// per-target exclusive lock.
package deploy

import (
	"fmt"
	"sync"
)

// Slot identifies which of a target's two container slots is active.
type Slot string

const (
	SlotBlue  Slot = "blue"
	SlotGreen Slot = "green"
)

func (s Slot) other() Slot {
	if s == SlotBlue {
		return SlotGreen
	}
	return SlotBlue
}

// Target describes a deployable host slot. Each target owns two ports:
// the active instance serves on one, candidates boot on the other, and
// the roles swap on every successful deployment.
type Target struct {
	Name          string `toml:"name"`
	BluePort      int    `toml:"blue_port"`
	GreenPort     int    `toml:"green_port"`
	ContainerPort int    `toml:"container_port"`
	HealthPath    string `toml:"health_path"`
	Env           []string
}

func (t Target) port(s Slot) int {
	if s == SlotBlue {
		return t.BluePort
	}
	return t.GreenPort
}

func (t Target) containerName(s Slot) string {
	return fmt.Sprintf("conveyor-%s-%s", t.Name, s)
}

// targetState is the lock-guarded live record for one target.
type targetState struct {
	lock        chan struct{} // buffered 1, holds the deploy lock
	mu          sync.Mutex    // guards the fields below
	activeSlot  Slot
	activeID    string // container ID of the serving instance, "" if none
	activeImage string
}

// Registry holds the set of known deployment targets and their state.
type Registry struct {
	mu      sync.Mutex
	targets map[string]Target
	states  map[string]*targetState
}

func NewRegistry() *Registry {
	return &Registry{
		targets: make(map[string]Target),
		states:  make(map[string]*targetState),
	}
}

// Register adds or replaces a target definition. The runtime state of an
// already-registered target is preserved.
func (r *Registry) Register(t Target) error {
	if t.Name == "" {
		return fmt.Errorf("target name is empty")
	}
	if t.BluePort == 0 || t.GreenPort == 0 || t.BluePort == t.GreenPort {
		return fmt.Errorf("target %s needs two distinct ports", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[t.Name] = t
	if _, ok := r.states[t.Name]; !ok {
		r.states[t.Name] = &targetState{
			lock:       make(chan struct{}, 1),
			activeSlot: SlotBlue,
		}
	}
	return nil
}

func (r *Registry) Get(name string) (Target, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[name]
	return t, ok
}

func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	return names
}

func (r *Registry) state(name string) (*targetState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[name]
	return st, ok
}

// ActiveImage reports the image currently serving on a target.
func (r *Registry) ActiveImage(name string) (string, bool) {
	st, ok := r.state(name)
	if !ok {
		return "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.activeImage, st.activeID != ""
}
