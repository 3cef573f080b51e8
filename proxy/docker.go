package proxy

import (
	"context"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// ComposeProjectLabel groups containers created by the same compose project.
const ComposeProjectLabel = "com.docker.compose.project"

// ContainerSummary is the subset of a container listing the engine needs.
type ContainerSummary struct {
	ID     string
	Names  []string
	Labels map[string]string
}

// ContainerDetails is the subset of an inspect result the engine needs.
// Health is empty when the container defines no healthcheck.
type ContainerDetails struct {
	Running bool
	Paused  bool
	Health  string
}

// Healthy reports whether the container is running and, if it has a
// healthcheck, that the healthcheck currently passes.
func (d ContainerDetails) Healthy() bool {
	return d.Running && (d.Health == "" || d.Health == container.Healthy)
}

// RuntimeEvent is a container state-change notification.
type RuntimeEvent struct {
	Type   string
	ID     string
	Status string
}

// ContainerRuntime is the narrow container-runtime surface the engine
// depends on. Implemented by DockerRuntime for production and by fakes in
// tests; a non-Docker runtime plugs in here.
type ContainerRuntime interface {
	ListContainers(ctx context.Context, all bool) ([]ContainerSummary, error)
	InspectContainer(ctx context.Context, id string) (ContainerDetails, error)
	PauseContainer(ctx context.Context, id string) error
	UnpauseContainer(ctx context.Context, id string) error
	// StartContainer reports false when the runtime accepted the request but
	// did not start the container.
	StartContainer(ctx context.Context, id string) (bool, error)
	StopContainer(ctx context.Context, id string) error
	// MonitorEvents streams container events until ctx is cancelled. The
	// error channel yields at most one error, after which both channels are
	// dead and the caller must resubscribe.
	MonitorEvents(ctx context.Context) (<-chan RuntimeEvent, <-chan error)
	Close() error
}

// DockerRuntime adapts the Docker daemon API to ContainerRuntime.
type DockerRuntime struct {
	cli *client.Client
}

var _ ContainerRuntime = (*DockerRuntime)(nil)

// NewDockerRuntime connects to the daemon at socketURI. An empty URI falls
// back to the environment (DOCKER_HOST or the default unix socket).
func NewDockerRuntime(socketURI string) (*DockerRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if socketURI != "" {
		opts = append(opts, client.WithHost(socketURI))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return &DockerRuntime{cli: cli}, nil
}

func (d *DockerRuntime) ListContainers(ctx context.Context, all bool) ([]ContainerSummary, error) {
	listed, err := d.cli.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, err
	}
	summaries := make([]ContainerSummary, 0, len(listed))
	for _, c := range listed {
		summaries = append(summaries, ContainerSummary{
			ID:     c.ID,
			Names:  c.Names,
			Labels: c.Labels,
		})
	}
	return summaries, nil
}

func (d *DockerRuntime) InspectContainer(ctx context.Context, id string) (ContainerDetails, error) {
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return ContainerDetails{}, err
	}
	details := ContainerDetails{
		Running: info.State.Running,
		Paused:  info.State.Paused,
	}
	if info.State.Health != nil {
		details.Health = info.State.Health.Status
	}
	return details, nil
}

func (d *DockerRuntime) PauseContainer(ctx context.Context, id string) error {
	return d.cli.ContainerPause(ctx, id)
}

func (d *DockerRuntime) UnpauseContainer(ctx context.Context, id string) error {
	return d.cli.ContainerUnpause(ctx, id)
}

func (d *DockerRuntime) StartContainer(ctx context.Context, id string) (bool, error) {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return false, err
	}
	return true, nil
}

func (d *DockerRuntime) StopContainer(ctx context.Context, id string) error {
	return d.cli.ContainerStop(ctx, id, container.StopOptions{})
}

func (d *DockerRuntime) MonitorEvents(ctx context.Context) (<-chan RuntimeEvent, <-chan error) {
	args := filters.NewArgs()
	args.Add("type", string(events.ContainerEventType))

	msgs, errs := d.cli.Events(ctx, events.ListOptions{Filters: args})

	out := make(chan RuntimeEvent)
	fail := make(chan error, 1)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				fail <- err
				return
			case msg, ok := <-msgs:
				if !ok {
					fail <- context.Canceled
					return
				}
				ev := RuntimeEvent{
					Type:   string(msg.Type),
					ID:     msg.Actor.ID,
					Status: string(msg.Action),
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, fail
}

func (d *DockerRuntime) Close() error {
	return d.cli.Close()
}
