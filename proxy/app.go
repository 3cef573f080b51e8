package proxy

import (
	"context"
	"log/slog"
)

// forwarder is the protocol-specific forwarding plane of an application.
type forwarder interface {
	// Run binds the listener and serves until ctx is cancelled. A bind
	// failure is returned immediately.
	Run(ctx context.Context) error
}

// App is one configured application engine: a listener on a local port, a
// container group behind it, and the machinery keeping the two aligned.
type App struct {
	cfg        *AppConfig
	entry      *PoolEntry
	clock      *ActivityClock
	resolver   *GroupResolver
	controller *Controller
	consumer   *EventConsumer
	forwarder  forwarder

	cancel context.CancelFunc
}

// NewApp wires an application engine over the shared runtime pool.
func NewApp(cfg *AppConfig, pool *Pool) (*App, error) {
	entry, err := pool.Client(cfg.SocketURI)
	if err != nil {
		return nil, err
	}

	clock := NewActivityClock()
	resolver := NewGroupResolver(entry.Runtime, cfg.ContainerName, cfg.GroupEnabled())
	controller := NewController(cfg, entry.Runtime, resolver, clock)

	a := &App{
		cfg:        cfg,
		entry:      entry,
		clock:      clock,
		resolver:   resolver,
		controller: controller,
		consumer:   NewEventConsumer(cfg, entry.Runtime, resolver, controller),
	}
	switch cfg.Protocol {
	case ProtocolUDP:
		a.forwarder = NewUDPForwarder(cfg, controller, clock)
	default:
		a.forwarder = NewTCPForwarder(cfg, controller, clock)
	}
	return a, nil
}

// Run starts the engine's background tasks and blocks serving traffic until
// parent is cancelled or the listener fails to bind. Bind failures are fatal
// for this engine only.
func (a *App) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel
	defer cancel()

	unsubscribe := a.entry.Subscribe(func(ev RuntimeEvent) {
		a.consumer.Handle(ctx, ev)
	})
	defer unsubscribe()

	go a.controller.RunInactivityTimer(ctx)

	slog.Info("application started",
		"app", a.cfg.Name(),
		"protocol", a.cfg.Protocol,
		"inactive_after", a.cfg.InactiveAfter.Std(),
		"action", a.cfg.InactiveAction)

	return a.forwarder.Run(ctx)
}

// Stop cancels the engine's background tasks and listener. A wake already in
// flight still completes for its waiters.
func (a *App) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
}
