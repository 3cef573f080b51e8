package proxy

import (
	"context"
	"fmt"
	"sync"
)

// fakeContainer is the in-memory state of one container in fakeRuntime.
type fakeContainer struct {
	id      string
	name    string
	labels  map[string]string
	running bool
	paused  bool
	health  string
}

// fakeRuntime is an in-memory ContainerRuntime for tests. Lifecycle calls
// are recorded in order as "action:id" strings.
type fakeRuntime struct {
	mu         sync.Mutex
	containers []*fakeContainer
	actions    []string
	inspects   int

	listErr     error
	startResult bool

	// blockInspect, when non-nil, is received from before every inspect,
	// letting tests hold a wake mid-flight.
	blockInspect chan struct{}

	events chan RuntimeEvent
	errs   chan error

	monitorCalls int
	closed       bool
}

func newFakeRuntime(containers ...*fakeContainer) *fakeRuntime {
	return &fakeRuntime{
		containers:  containers,
		startResult: true,
		events:      make(chan RuntimeEvent),
		errs:        make(chan error, 1),
	}
}

func (f *fakeRuntime) find(id string) *fakeContainer {
	for _, c := range f.containers {
		if c.id == id {
			return c
		}
	}
	return nil
}

func (f *fakeRuntime) record(action, id string) {
	f.actions = append(f.actions, action+":"+id)
}

// callCount returns how many recorded actions match "action:id".
func (f *fakeRuntime) callCount(action, id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.actions {
		if a == action+":"+id {
			n++
		}
	}
	return n
}

func (f *fakeRuntime) actionLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

func (f *fakeRuntime) ListContainers(ctx context.Context, all bool) ([]ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]ContainerSummary, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, ContainerSummary{
			ID:     c.id,
			Names:  []string{"/" + c.name},
			Labels: c.labels,
		})
	}
	return out, nil
}

func (f *fakeRuntime) InspectContainer(ctx context.Context, id string) (ContainerDetails, error) {
	f.mu.Lock()
	block := f.blockInspect
	f.mu.Unlock()
	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inspects++
	c := f.find(id)
	if c == nil {
		return ContainerDetails{}, fmt.Errorf("no such container: %s", id)
	}
	return ContainerDetails{Running: c.running, Paused: c.paused, Health: c.health}, nil
}

func (f *fakeRuntime) PauseContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pause", id)
	c := f.find(id)
	if c == nil {
		return fmt.Errorf("no such container: %s", id)
	}
	if c.paused {
		return fmt.Errorf("container %s is already paused", id)
	}
	c.paused = true
	return nil
}

func (f *fakeRuntime) UnpauseContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("unpause", id)
	c := f.find(id)
	if c == nil {
		return fmt.Errorf("no such container: %s", id)
	}
	c.paused = false
	c.running = true
	return nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start", id)
	c := f.find(id)
	if c == nil {
		return false, fmt.Errorf("no such container: %s", id)
	}
	if !f.startResult {
		return false, nil
	}
	c.running = true
	return true, nil
}

func (f *fakeRuntime) StopContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop", id)
	c := f.find(id)
	if c == nil {
		return fmt.Errorf("no such container: %s", id)
	}
	c.running = false
	c.paused = false
	return nil
}

func (f *fakeRuntime) MonitorEvents(ctx context.Context) (<-chan RuntimeEvent, <-chan error) {
	f.mu.Lock()
	f.monitorCalls++
	events, errs := f.events, f.errs
	f.mu.Unlock()
	return events, errs
}

func (f *fakeRuntime) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
