package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// datagramBufferSize is large enough for any UDP payload the proxy relays.
const datagramBufferSize = 64 * 1024

// udpTTL is applied to both the listener and upstream sockets.
const udpTTL = 255

// UDPForwarder relays datagrams between peers and the target address. Each
// remote peer gets its own flow: a connected upstream socket plus a response
// pump feeding replies back through the listener.
type UDPForwarder struct {
	cfg        *AppConfig
	controller *Controller
	clock      *ActivityClock

	mu    sync.Mutex
	flows map[string]*udpFlow
}

// udpFlow is the forwarding state for one remote peer.
type udpFlow struct {
	peer     *net.UDPAddr
	upstream *net.UDPConn

	mu       sync.Mutex
	lastSeen time.Time
}

func (fl *udpFlow) touch() {
	fl.mu.Lock()
	fl.lastSeen = time.Now()
	fl.mu.Unlock()
}

func (fl *udpFlow) idle() time.Duration {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return time.Since(fl.lastSeen)
}

func NewUDPForwarder(cfg *AppConfig, controller *Controller, clock *ActivityClock) *UDPForwarder {
	return &UDPForwarder{
		cfg:        cfg,
		controller: controller,
		clock:      clock,
		flows:      make(map[string]*udpFlow),
	}
}

// Run binds the datagram listener and serves until ctx is cancelled.
func (f *UDPForwarder) Run(ctx context.Context) error {
	lc := net.ListenConfig{Control: udpSocketControl}
	pc, err := lc.ListenPacket(ctx, "udp", fmt.Sprintf("0.0.0.0:%d", f.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("cannot bind udp port %d: %w", f.cfg.ListenPort, err)
	}
	listener := pc.(*net.UDPConn)
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	go f.runFlowGC(ctx)

	slog.Info("udp listener started", "app", f.cfg.Name(),
		"port", f.cfg.ListenPort, "target", f.targetAddr())

	buf := make([]byte, datagramBufferSize)
	for {
		n, peer, err := listener.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				f.closeAllFlows()
				return nil
			}
			if !quietNetError(err) {
				slog.Error("udp read failed", "app", f.cfg.Name(), "error", err)
			}
			continue
		}
		f.handleDatagram(ctx, listener, peer, buf[:n])
	}
}

func (f *UDPForwarder) handleDatagram(ctx context.Context, listener *net.UDPConn, peer *net.UDPAddr, payload []byte) {
	f.clock.Mark()
	if !f.controller.EnsureRunning(ctx) || ctx.Err() != nil {
		return
	}

	flow, err := f.flowFor(ctx, listener, peer)
	if err != nil {
		slog.Error("cannot open udp flow", "app", f.cfg.Name(),
			"peer", peer, "error", err)
		return
	}
	flow.touch()

	if _, err := flow.upstream.Write(payload); err != nil {
		if !quietNetError(err) {
			slog.Error("udp forward failed", "app", f.cfg.Name(),
				"peer", peer, "error", err)
		}
		f.removeFlow(peer.String())
		return
	}
	f.clock.Mark()
	bytesForwarded.WithLabelValues(f.cfg.Name(), "in").Add(float64(len(payload)))
	slog.Debug("udp datagram forwarded", "app", f.cfg.Name(),
		"peer", peer, "bytes", len(payload))
}

// flowFor returns the flow for peer, creating it (and starting its response
// pump) on the first datagram.
func (f *UDPForwarder) flowFor(ctx context.Context, listener *net.UDPConn, peer *net.UDPAddr) (*udpFlow, error) {
	key := peer.String()

	f.mu.Lock()
	defer f.mu.Unlock()
	if flow, ok := f.flows[key]; ok {
		return flow, nil
	}

	dialer := net.Dialer{Control: udpSocketControl}
	conn, err := dialer.DialContext(ctx, "udp", f.targetAddr())
	if err != nil {
		return nil, err
	}
	flow := &udpFlow{
		peer:     peer,
		upstream: conn.(*net.UDPConn),
		lastSeen: time.Now(),
	}
	f.flows[key] = flow
	activeFlows.WithLabelValues(f.cfg.Name(), "udp").Inc()
	slog.Debug("udp flow opened", "app", f.cfg.Name(), "peer", peer)

	go f.runResponsePump(listener, flow)
	return flow, nil
}

// runResponsePump relays upstream replies back to the flow's peer. It exits
// when the flow's upstream socket is closed.
func (f *UDPForwarder) runResponsePump(listener *net.UDPConn, flow *udpFlow) {
	buf := make([]byte, datagramBufferSize)
	for {
		n, err := flow.upstream.Read(buf)
		if err != nil {
			if !quietNetError(err) {
				slog.Error("udp response pump failed", "app", f.cfg.Name(),
					"peer", flow.peer, "error", err)
			}
			return
		}
		flow.touch()
		f.clock.Mark()
		slog.Debug("udp response received", "app", f.cfg.Name(),
			"peer", flow.peer, "bytes", n)
		if _, err := listener.WriteToUDP(buf[:n], flow.peer); err != nil {
			if !quietNetError(err) {
				slog.Error("udp response send failed", "app", f.cfg.Name(),
					"peer", flow.peer, "error", err)
			}
			return
		}
		bytesForwarded.WithLabelValues(f.cfg.Name(), "out").Add(float64(n))
	}
}

// runFlowGC closes flows whose peers have gone silent for the inactivity
// threshold.
func (f *UDPForwarder) runFlowGC(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.CheckInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.collectIdleFlows()
		}
	}
}

func (f *UDPForwarder) collectIdleFlows() {
	threshold := f.cfg.InactiveAfter.Std()
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, flow := range f.flows {
		if flow.idle() > threshold {
			slog.Debug("udp flow expired", "app", f.cfg.Name(), "peer", flow.peer)
			flow.upstream.Close()
			delete(f.flows, key)
			activeFlows.WithLabelValues(f.cfg.Name(), "udp").Dec()
		}
	}
}

func (f *UDPForwarder) removeFlow(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if flow, ok := f.flows[key]; ok {
		flow.upstream.Close()
		delete(f.flows, key)
		activeFlows.WithLabelValues(f.cfg.Name(), "udp").Dec()
	}
}

func (f *UDPForwarder) closeAllFlows() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, flow := range f.flows {
		flow.upstream.Close()
		delete(f.flows, key)
		activeFlows.WithLabelValues(f.cfg.Name(), "udp").Dec()
	}
}

func (f *UDPForwarder) targetAddr() string {
	return net.JoinHostPort(f.cfg.TargetAddress, fmt.Sprintf("%d", f.cfg.TargetPort))
}

// udpSocketControl enables broadcast and sets the TTL on a datagram socket
// before it is bound or connected.
func udpSocketControl(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
			opErr = err
			return
		}
		opErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TTL, udpTTL)
	})
	if err != nil {
		return err
	}
	return opErr
}
