package proxy

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// subscriberBuffer bounds the per-subscriber event queue. When a subscriber
// falls behind, the oldest queued event is dropped rather than blocking the
// dispatch loop.
const subscriberBuffer = 16

// RuntimeFactory builds a ContainerRuntime for a socket URI.
type RuntimeFactory func(socketURI string) (ContainerRuntime, error)

// Pool deduplicates container-runtime clients by socket URI and multiplexes
// each client's event stream to every subscribed engine. It is process-wide:
// one Pool serves all applications.
type Pool struct {
	factory RuntimeFactory

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*PoolEntry
}

// PoolEntry is one shared runtime client plus its event monitor.
type PoolEntry struct {
	Runtime ContainerRuntime

	pool *Pool
	uri  string

	subMu sync.Mutex
	subs  map[*subscription]struct{}

	monitorOnce sync.Once
}

type subscription struct {
	ch   chan RuntimeEvent
	quit chan struct{}
}

// NewPool creates a pool backed by factory. A nil factory connects to Docker.
func NewPool(factory RuntimeFactory) *Pool {
	if factory == nil {
		factory = func(uri string) (ContainerRuntime, error) {
			return NewDockerRuntime(uri)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		factory: factory,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*PoolEntry),
	}
}

// Client returns the shared entry for socketURI, creating it on first use.
func (p *Pool) Client(socketURI string) (*PoolEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[socketURI]; ok {
		return e, nil
	}
	rt, err := p.factory(socketURI)
	if err != nil {
		return nil, err
	}
	e := &PoolEntry{
		Runtime: rt,
		pool:    p,
		uri:     socketURI,
		subs:    make(map[*subscription]struct{}),
	}
	p.entries[socketURI] = e
	return e, nil
}

// Close stops every event monitor and closes every client. Blocks until all
// monitors have exited.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for uri, e := range p.entries {
		if err := e.Runtime.Close(); err != nil {
			slog.Warn("error closing runtime client", "socket", uri, "error", err)
		}
		delete(p.entries, uri)
	}
}

// Subscribe registers handler for every container event on this client.
// The handler runs on a dedicated goroutine per subscriber, so it may block
// without suspending dispatch to other subscribers. The first subscription
// starts the shared event monitor. The returned function unsubscribes.
func (e *PoolEntry) Subscribe(handler func(RuntimeEvent)) func() {
	s := &subscription{
		ch:   make(chan RuntimeEvent, subscriberBuffer),
		quit: make(chan struct{}),
	}

	e.subMu.Lock()
	e.subs[s] = struct{}{}
	e.subMu.Unlock()

	e.pool.wg.Add(1)
	go func() {
		defer e.pool.wg.Done()
		for {
			select {
			case <-e.pool.ctx.Done():
				return
			case <-s.quit:
				return
			case ev := <-s.ch:
				handler(ev)
			}
		}
	}()

	e.monitorOnce.Do(func() {
		e.pool.wg.Add(1)
		go func() {
			defer e.pool.wg.Done()
			e.monitorEvents(e.pool.ctx)
		}()
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, s)
			e.subMu.Unlock()
			close(s.quit)
		})
	}
}

// monitorEvents owns the single event stream for this client, reconnecting
// with jittered exponential backoff on failure.
func (e *PoolEntry) monitorEvents(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 1 * time.Second
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.RandomizationFactor = 0 // full jitter is applied to each wait below
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		streamCtx, stopStream := context.WithCancel(ctx)
		events, errs := e.Runtime.MonitorEvents(streamCtx)

	stream:
		for {
			select {
			case <-ctx.Done():
				stopStream()
				return
			case err := <-errs:
				if !errors.Is(err, context.Canceled) {
					slog.Warn("event stream failed, reconnecting", "socket", e.uri, "error", err)
					eventReconnects.WithLabelValues(e.uri).Inc()
				}
				break stream
			case ev, ok := <-events:
				if !ok {
					break stream
				}
				bo.Reset()
				e.publish(ev)
			}
		}
		stopStream()

		// Full jitter: wait a uniform random time up to the current interval.
		wait := time.Duration(rand.Int64N(int64(bo.NextBackOff()) + 1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// publish fans an event out to every subscriber without blocking: a full
// subscriber queue drops its oldest event to make room.
func (e *PoolEntry) publish(ev RuntimeEvent) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for s := range e.subs {
		select {
		case s.ch <- ev:
		default:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- ev:
			default:
			}
		}
	}
}
