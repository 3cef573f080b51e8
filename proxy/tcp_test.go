package proxy

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"
)

// freeTCPPort grabs an ephemeral port and releases it for the forwarder.
func freeTCPPort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot probe for a free port: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return uint16(port)
}

// echoUpstream serves one connection at a time, echoing everything back.
func echoUpstream(t *testing.T) (addr *net.TCPAddr, stop func()) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot bind upstream: %v", err)
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return l.Addr().(*net.TCPAddr), func() { l.Close() }
}

// dialRetry dials addr until the listener is up.
func dialRetry(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatalf("cannot reach forwarder at %s: %v", addr, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func tcpTestSetup(t *testing.T, rt *fakeRuntime) (*AppConfig, string, func()) {
	t.Helper()
	upstream, stopUpstream := echoUpstream(t)

	cfg := testAppConfig("app")
	cfg.ListenPort = freeTCPPort(t)
	cfg.TargetPort = uint16(upstream.Port)
	cfg.StartupDelay = Duration(time.Millisecond)

	clock := NewActivityClock()
	resolver := NewGroupResolver(rt, cfg.ContainerName, cfg.GroupEnabled())
	controller := NewController(cfg, rt, resolver, clock)
	forwarder := NewTCPForwarder(cfg, controller, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := forwarder.Run(ctx); err != nil {
			t.Errorf("forwarder: %v", err)
		}
	}()

	listenAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(int(cfg.ListenPort)))
	return cfg, listenAddr, func() {
		cancel()
		<-done
		stopUpstream()
	}
}

func TestTCPForwarderRoundTrip(t *testing.T) {
	rt := newFakeRuntime(&fakeContainer{id: "c1", name: "app", running: true})
	_, addr, teardown := tcpTestSetup(t, rt)
	defer teardown()

	client := dialRetry(t, addr)
	defer client.Close()

	if _, err := client.Write([]byte("ABC")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	buf := make([]byte, 3)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf) != "ABC" {
		t.Errorf("echoed %q, want %q", buf, "ABC")
	}

	// The container was already running: no lifecycle action is taken.
	if got := rt.actionLog(); len(got) != 0 {
		t.Errorf("lifecycle actions = %v, want none", got)
	}
}

func TestTCPForwarderWakesPausedContainer(t *testing.T) {
	rt := newFakeRuntime(&fakeContainer{id: "c1", name: "app", running: true, paused: true})
	_, addr, teardown := tcpTestSetup(t, rt)
	defer teardown()

	client := dialRetry(t, addr)
	defer client.Close()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	buf := make([]byte, 4)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("client read: %v", err)
	}

	if n := rt.callCount("unpause", "c1"); n != 1 {
		t.Errorf("unpause called %d times, want 1", n)
	}
}

func TestTCPForwarderConcurrentClientsShareOneWake(t *testing.T) {
	rt := newFakeRuntime(&fakeContainer{id: "c1", name: "app", running: true, paused: true})
	release := make(chan struct{})
	rt.blockInspect = release
	_, addr, teardown := tcpTestSetup(t, rt)
	defer teardown()

	c1 := dialRetry(t, addr)
	defer c1.Close()
	c2 := dialRetry(t, addr)
	defer c2.Close()
	c1.Write([]byte("one!"))
	c2.Write([]byte("two!"))

	// Both connections are now awaiting the same wake.
	time.Sleep(50 * time.Millisecond)
	close(release)

	for i, client := range []net.Conn{c1, c2} {
		buf := make([]byte, 4)
		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := io.ReadFull(client, buf); err != nil {
			t.Fatalf("client %d read: %v", i+1, err)
		}
	}
	if n := rt.callCount("unpause", "c1"); n != 1 {
		t.Errorf("unpause called %d times, want exactly 1", n)
	}
}

func TestTCPForwarderDropsFlowWhenWakeFails(t *testing.T) {
	rt := newFakeRuntime() // no such container: every wake fails
	_, addr, teardown := tcpTestSetup(t, rt)
	defer teardown()

	client := dialRetry(t, addr)
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Fatal("read succeeded, want closed connection")
	}
}

func TestTCPForwarderZeroLengthFlow(t *testing.T) {
	rt := newFakeRuntime(&fakeContainer{id: "c1", name: "app", running: true})
	_, addr, teardown := tcpTestSetup(t, rt)
	defer teardown()

	client := dialRetry(t, addr)
	client.Close()
	// Nothing to assert beyond a clean teardown: the forwarder must not
	// wedge on a connection that carried no bytes.
}
