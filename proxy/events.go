package proxy

import (
	"context"
	"log/slog"
	"strings"
)

// EventConsumer folds container events from the shared runtime pool into the
// engine's lifecycle state, so out-of-band changes (docker stop, docker
// start, a crashing healthcheck) are noticed without waiting for traffic.
type EventConsumer struct {
	cfg        *AppConfig
	runtime    ContainerRuntime
	resolver   *GroupResolver
	controller *Controller
}

func NewEventConsumer(cfg *AppConfig, runtime ContainerRuntime, resolver *GroupResolver, controller *Controller) *EventConsumer {
	return &EventConsumer{
		cfg:        cfg,
		runtime:    runtime,
		resolver:   resolver,
		controller: controller,
	}
}

// Handle processes one runtime event. It runs on the engine's subscriber
// goroutine, so inspect/list calls here do not stall dispatch to other
// engines.
func (ec *EventConsumer) Handle(ctx context.Context, ev RuntimeEvent) {
	if ev.Type != "container" {
		return
	}

	ours, err := ec.resolver.Contains(ctx, ev.ID)
	if err != nil {
		slog.Debug("event dropped: cannot resolve container group",
			"app", ec.cfg.Name(), "error", err)
		return
	}
	if !ours {
		return
	}
	slog.Debug("container event", "app", ec.cfg.Name(),
		"id", shortID(ev.ID), "status", ev.Status)

	if !ec.controller.Inactive() {
		switch ev.Status {
		case "die", "kill", "stop", "pause":
			ec.controller.SetInactive("observed " + ev.Status)
			return
		}
		if ec.cfg.HealthcheckEnabled && strings.HasPrefix(ev.Status, "health_status") {
			details, err := ec.runtime.InspectContainer(ctx, ev.ID)
			if err != nil {
				slog.Debug("event inspect failed",
					"app", ec.cfg.Name(), "id", shortID(ev.ID), "error", err)
				return
			}
			if !details.Healthy() {
				ec.controller.SetInactive("container unhealthy")
			}
		}
		return
	}

	// The group is believed suspended. An external start is not trusted:
	// stay inactive so the next forward re-verifies the whole group.
	if ec.controller.WakeInFlight() {
		return
	}
	switch ev.Status {
	case "unpause", "start", "restart":
		ec.controller.SetInactive("external " + ev.Status + ", re-check on next flow")
	}
}
