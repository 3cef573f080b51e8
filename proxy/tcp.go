package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"syscall"
	"time"
)

// copyBufferSize is the per-direction copy buffer for TCP forwarding.
const copyBufferSize = 8 * 1024

// socketBufferSize is requested for the upstream socket's kernel buffers.
const socketBufferSize = 1 << 20

// TCPForwarder accepts TCP connections on the listen port and shuttles bytes
// to and from the target address, waking the container group first.
type TCPForwarder struct {
	cfg        *AppConfig
	controller *Controller
	clock      *ActivityClock
}

func NewTCPForwarder(cfg *AppConfig, controller *Controller, clock *ActivityClock) *TCPForwarder {
	return &TCPForwarder{cfg: cfg, controller: controller, clock: clock}
}

// Run binds the listener and serves until ctx is cancelled. A bind failure
// is returned immediately; accept errors are logged and the loop continues.
func (f *TCPForwarder) Run(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("0.0.0.0:%d", f.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("cannot bind tcp port %d: %w", f.cfg.ListenPort, err)
	}
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	slog.Info("tcp listener started", "app", f.cfg.Name(),
		"port", f.cfg.ListenPort, "target", f.targetAddr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("accept failed", "app", f.cfg.Name(), "error", err)
			continue
		}
		f.clock.Mark()
		go f.handleConn(ctx, conn)
	}
}

func (f *TCPForwarder) handleConn(ctx context.Context, inbound net.Conn) {
	defer inbound.Close()

	f.clock.Mark()
	if !f.controller.EnsureRunning(ctx) || ctx.Err() != nil {
		return
	}

	dialer := &net.Dialer{}
	upstream, err := dialer.DialContext(ctx, "tcp", f.targetAddr())
	if err != nil {
		slog.Error("cannot dial target", "app", f.cfg.Name(),
			"target", f.targetAddr(), "error", err)
		return
	}
	defer upstream.Close()
	f.tuneUpstream(upstream)

	activeFlows.WithLabelValues(f.cfg.Name(), "tcp").Inc()
	defer activeFlows.WithLabelValues(f.cfg.Name(), "tcp").Dec()

	slog.Debug("tcp flow opened", "app", f.cfg.Name(), "peer", inbound.RemoteAddr())

	// Two independent copiers; whichever direction finishes first wins and
	// both sockets are closed. Half-close is not propagated.
	done := make(chan error, 2)
	go func() { done <- f.copyStream(upstream, inbound, "in") }()
	go func() { done <- f.copyStream(inbound, upstream, "out") }()

	err = <-done
	inbound.Close()
	upstream.Close()
	<-done
	f.clock.Mark()

	if err != nil && !quietNetError(err) {
		slog.Error("tcp flow error", "app", f.cfg.Name(), "error", err)
	}
	slog.Debug("tcp flow closed", "app", f.cfg.Name(), "peer", inbound.RemoteAddr())
}

// copyStream pumps src into dst with per-operation deadlines equal to the
// inactivity threshold, marking the activity clock after every write.
func (f *TCPForwarder) copyStream(dst, src net.Conn, direction string) error {
	timeout := f.cfg.InactiveAfter.Std()
	buf := make([]byte, copyBufferSize)
	for {
		src.SetReadDeadline(time.Now().Add(timeout))
		n, readErr := src.Read(buf)
		if n > 0 {
			dst.SetWriteDeadline(time.Now().Add(timeout))
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
			f.clock.Mark()
			bytesForwarded.WithLabelValues(f.cfg.Name(), direction).Add(float64(n))
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
	}
}

// tuneUpstream configures the upstream socket for low latency and large
// kernel buffers.
func (f *TCPForwarder) tuneUpstream(conn net.Conn) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	tcp.SetNoDelay(true)
	if err := tcp.SetReadBuffer(socketBufferSize); err != nil {
		slog.Debug("cannot set read buffer", "app", f.cfg.Name(), "error", err)
	}
	if err := tcp.SetWriteBuffer(socketBufferSize); err != nil {
		slog.Debug("cannot set write buffer", "app", f.cfg.Name(), "error", err)
	}
}

func (f *TCPForwarder) targetAddr() string {
	return net.JoinHostPort(f.cfg.TargetAddress, fmt.Sprintf("%d", f.cfg.TargetPort))
}

// quietNetError reports whether err is an expected teardown condition that
// should not be logged: peer resets, aborts, closed sockets, cancellation
// and idle timeouts.
func quietNetError(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	return false
}
