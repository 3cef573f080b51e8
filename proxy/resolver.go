package proxy

import (
	"context"
	"log/slog"
)

// GroupResolver expands a configured container name into the ordered list of
// container IDs lifecycle actions apply to: the base container first, then —
// when compose-group expansion is enabled — every other container sharing
// its compose project label.
type GroupResolver struct {
	runtime       ContainerRuntime
	containerName string
	expandGroup   bool
}

func NewGroupResolver(runtime ContainerRuntime, containerName string, expandGroup bool) *GroupResolver {
	return &GroupResolver{
		runtime:       runtime,
		containerName: containerName,
		expandGroup:   expandGroup,
	}
}

// Resolve lists all containers (stopped included) and returns the IDs to act
// upon. A missing base container yields an empty list; a listing failure is
// returned to the caller, which must treat it as "no action this cycle".
func (r *GroupResolver) Resolve(ctx context.Context) ([]string, error) {
	containers, err := r.runtime.ListContainers(ctx, true)
	if err != nil {
		return nil, err
	}

	base, ok := findByName(containers, r.containerName)
	if !ok {
		slog.Warn("container not found", "container", r.containerName)
		return nil, nil
	}

	ids := []string{base.ID}
	if !r.expandGroup {
		return ids, nil
	}

	project := base.Labels[ComposeProjectLabel]
	if project == "" {
		return ids, nil
	}
	for _, c := range containers {
		if c.ID == base.ID {
			continue
		}
		if c.Labels[ComposeProjectLabel] == project {
			ids = append(ids, c.ID)
		}
	}
	slog.Debug("resolved container group",
		"container", r.containerName, "project", project, "size", len(ids))
	return ids, nil
}

// Contains reports whether id belongs to the resolved group.
func (r *GroupResolver) Contains(ctx context.Context, id string) (bool, error) {
	ids, err := r.Resolve(ctx)
	if err != nil {
		return false, err
	}
	for _, candidate := range ids {
		if candidate == id {
			return true, nil
		}
	}
	return false, nil
}

// findByName locates the first container whose names include "/"+name.
func findByName(containers []ContainerSummary, name string) (ContainerSummary, bool) {
	want := "/" + name
	for _, c := range containers {
		for _, n := range c.Names {
			if n == want {
				return c, true
			}
		}
	}
	return ContainerSummary{}, false
}
