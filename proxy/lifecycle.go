package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// healthcheckCap bounds how long a wake will wait for a container to report
// healthy before giving up.
const healthcheckCap = 5 * time.Minute

// Controller keeps the engine's view of the container group aligned with
// observed traffic: it wakes the group on demand (at most one wake in flight
// per engine) and suspends it once the activity clock runs past the
// configured threshold.
type Controller struct {
	cfg      *AppConfig
	runtime  ContainerRuntime
	resolver *GroupResolver
	clock    *ActivityClock

	mu       sync.Mutex // guards inactive and wake
	inactive bool
	wake     *wakeCycle
}

// wakeCycle is the single-flight awaitable: the first caller installs it,
// concurrent callers wait on done and read ok.
type wakeCycle struct {
	done chan struct{}
	ok   bool
}

func NewController(cfg *AppConfig, runtime ContainerRuntime, resolver *GroupResolver, clock *ActivityClock) *Controller {
	return &Controller{
		cfg:      cfg,
		runtime:  runtime,
		resolver: resolver,
		clock:    clock,
		// Until the first wake verifies otherwise, assume the group is not
		// running so the first flow triggers a verification.
		inactive: true,
	}
}

// Inactive reports whether the engine currently believes the container group
// is suspended or not running.
func (c *Controller) Inactive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inactive
}

// WakeInFlight reports whether a wake cycle is currently in progress.
func (c *Controller) WakeInFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wake != nil
}

// SetInactive marks the group as needing verification before the next
// forward. Called by the event consumer on external state changes.
func (c *Controller) SetInactive(reason string) {
	c.mu.Lock()
	c.inactive = true
	c.mu.Unlock()
	slog.Debug("marked inactive", "app", c.cfg.Name(), "reason", reason)
}

// EnsureRunning returns true once the container group is confirmed live.
// The fast path is a single flag read. Otherwise the caller either becomes
// the master of a new wake cycle or joins the one already in flight.
//
// A cancelled ctx only stops this caller from waiting; the master completes
// the wake for everyone else regardless.
func (c *Controller) EnsureRunning(ctx context.Context) bool {
	c.mu.Lock()
	if !c.inactive {
		c.mu.Unlock()
		return true
	}
	if w := c.wake; w != nil {
		c.mu.Unlock()
		select {
		case <-w.done:
			return w.ok
		case <-ctx.Done():
			return false
		}
	}
	w := &wakeCycle{done: make(chan struct{})}
	c.wake = w
	c.mu.Unlock()

	slog.Info("waking application", "app", c.cfg.Name())
	start := time.Now()
	ok := c.performWake(context.WithoutCancel(ctx))
	recordWake(c.cfg.Name(), ok, time.Since(start))

	c.mu.Lock()
	if ok {
		c.inactive = false
	}
	w.ok = ok
	close(w.done)
	c.wake = nil
	c.mu.Unlock()
	return ok
}

// performWake unpauses or starts every container in the group, waits out the
// startup delay if anything was issued, and optionally polls the base
// container's healthcheck.
func (c *Controller) performWake(ctx context.Context) bool {
	ids, err := c.resolver.Resolve(ctx)
	if err != nil {
		slog.Error("wake aborted: cannot resolve container group",
			"app", c.cfg.Name(), "error", err)
		return false
	}
	if len(ids) == 0 {
		slog.Error("wake aborted: container not found", "app", c.cfg.Name())
		return false
	}

	actions := 0
	for _, id := range ids {
		details, err := c.runtime.InspectContainer(ctx, id)
		if err != nil {
			slog.Error("wake aborted: inspect failed",
				"app", c.cfg.Name(), "id", shortID(id), "error", err)
			return false
		}
		switch {
		case details.Paused:
			if err := c.runtime.UnpauseContainer(ctx, id); err != nil {
				slog.Error("wake aborted: unpause failed",
					"app", c.cfg.Name(), "id", shortID(id), "error", err)
				return false
			}
			actions++
		case !details.Running:
			started, err := c.runtime.StartContainer(ctx, id)
			if err != nil {
				slog.Error("wake aborted: start failed",
					"app", c.cfg.Name(), "id", shortID(id), "error", err)
				return false
			}
			if !started {
				slog.Warn("container did not start", "app", c.cfg.Name(), "id", shortID(id))
				return false
			}
			actions++
		}
	}

	if actions > 0 {
		time.Sleep(c.cfg.StartupDelay.Std())
	}

	if c.cfg.HealthcheckEnabled {
		return c.awaitHealthy(ctx, ids[0])
	}
	return true
}

// awaitHealthy polls the base container until it is running and healthy.
func (c *Controller) awaitHealthy(ctx context.Context, id string) bool {
	deadline := time.Now().Add(healthcheckCap)
	for attempt := 1; ; attempt++ {
		details, err := c.runtime.InspectContainer(ctx, id)
		if err != nil {
			slog.Debug("healthcheck inspect failed",
				"app", c.cfg.Name(), "attempt", attempt, "error", err)
		} else {
			slog.Debug("healthcheck poll", "app", c.cfg.Name(),
				"attempt", attempt, "running", details.Running, "health", details.Health)
			if details.Healthy() {
				return true
			}
		}
		if time.Now().After(deadline) {
			slog.Warn("healthcheck did not pass in time", "app", c.cfg.Name())
			return false
		}
		time.Sleep(c.cfg.HealthcheckInterval.Std())
	}
}

// CheckInactivity suspends the group when the activity clock has run past
// the threshold. Called on every check-interval tick.
func (c *Controller) CheckInactivity(ctx context.Context) {
	if c.clock.Elapsed() < c.cfg.InactiveAfter.Std() {
		return
	}
	c.Suspend(ctx)
}

// Suspend applies the configured inactive action to every container in the
// group. It runs even when the group is already believed suspended: an
// outside actor may have restarted a container behind our back, and the
// re-assertion cost is bounded by the check interval because the activity
// clock is restarted on every pass.
func (c *Controller) Suspend(ctx context.Context) {
	ids, err := c.resolver.Resolve(ctx)
	if err != nil {
		slog.Warn("suspend skipped: cannot resolve container group",
			"app", c.cfg.Name(), "error", err)
		return
	}

	if c.Inactive() {
		slog.Info("re-asserting suspended", "app", c.cfg.Name())
	} else {
		slog.Info("suspending", "app", c.cfg.Name(), "action", c.cfg.InactiveAction)
	}

	for _, id := range ids {
		var err error
		switch c.cfg.InactiveAction {
		case ActionStop:
			err = c.runtime.StopContainer(ctx, id)
		default:
			err = c.runtime.PauseContainer(ctx, id)
		}
		if err != nil {
			// Re-assertion routinely hits already-paused / not-running
			// containers; these are not actionable.
			slog.Debug("suspend action failed",
				"app", c.cfg.Name(), "id", shortID(id), "error", err)
		}
	}
	recordSuspend(c.cfg.Name(), string(c.cfg.InactiveAction))

	c.mu.Lock()
	c.inactive = true
	c.mu.Unlock()
	c.clock.Mark()
}

// RunInactivityTimer drives CheckInactivity until ctx is cancelled.
func (c *Controller) RunInactivityTimer(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CheckInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.CheckInactivity(ctx)
		}
	}
}

// shortID trims a container ID for log output.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
