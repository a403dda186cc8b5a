package js8

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector gathers handler invocations across goroutines.
type collector struct {
	mu     sync.Mutex
	events []map[string]any
}

func (c *collector) handler(evt map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) waitFor(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.count() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d events, got %d", n, c.count())
}

func TestListener_TCPSkipsMalformedFrames(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte(`{"type":"RX.DIRECTED","TEXT":"one"}` + "\n"))
		conn.Write([]byte("this is not json\n"))
		conn.Write([]byte(`[1,2,3]` + "\n"))
		conn.Write([]byte("\r\n"))
		conn.Write([]byte(`{"type":"RX.DIRECTED","TEXT":"two"}` + "\n"))
		time.Sleep(200 * time.Millisecond)
	}()

	c := &collector{}
	l := NewListener("tcp", ln.Addr().String(), testLogger())
	require.NoError(t, l.Start(c.handler))
	defer l.Stop()

	c.waitFor(t, 2, 3*time.Second)
	assert.Equal(t, 2, c.count(), "only object frames reach the handler")
}

func TestListener_HandlerPanicDoesNotStopStream(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte(`{"n":1}` + "\n" + `{"n":2}` + "\n"))
		time.Sleep(200 * time.Millisecond)
	}()

	c := &collector{}
	l := NewListener("tcp", ln.Addr().String(), testLogger())
	require.NoError(t, l.Start(func(evt map[string]any) {
		c.handler(evt)
		panic("boom")
	}))
	defer l.Stop()

	c.waitFor(t, 2, 3*time.Second)
}

func TestListener_ReconnectsAfterRefusal(t *testing.T) {
	// Reserve a port, then refuse connections on it for a while.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	probe.Close()

	c := &collector{}
	l := NewListener("tcp", addr, testLogger())
	l.initialBackoff = 50 * time.Millisecond
	l.maxBackoff = 200 * time.Millisecond
	require.NoError(t, l.Start(c.handler))
	defer l.Stop()

	// Let a few refused attempts happen, then start the real server.
	time.Sleep(300 * time.Millisecond)
	ln, err := net.Listen("tcp", addr)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte(`{"type":"RX.DIRECTED","TEXT":"back"}` + "\n"))
		time.Sleep(200 * time.Millisecond)
	}()

	c.waitFor(t, 1, 5*time.Second)
	assert.Equal(t, StateConnected, l.State())
}

func TestListener_BackoffGrowsAndCaps(t *testing.T) {
	assert.Equal(t, 1800*time.Millisecond, nextBackoff(time.Second, 10*time.Second))
	b := time.Second
	for i := 0; i < 20; i++ {
		next := nextBackoff(b, 10*time.Second)
		assert.GreaterOrEqual(t, next, b)
		b = next
	}
	assert.Equal(t, 10*time.Second, b)
}

func TestListener_UDPSplitsDatagramFrames(t *testing.T) {
	c := &collector{}
	l := NewListener("udp", "127.0.0.1:0", testLogger())
	require.NoError(t, l.Start(c.handler))
	defer l.Stop()

	// wait until the socket is bound, then read its real address
	var laddr net.Addr
	for i := 0; i < 100; i++ {
		l.mu.Lock()
		if l.conn != nil {
			laddr = l.conn.LocalAddr()
		}
		l.mu.Unlock()
		if laddr != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.NotNil(t, laddr, "udp socket never bound")

	conn, err := net.Dial("udp", laddr.String())
	require.NoError(t, err)
	defer conn.Close()

	// one datagram carrying two frames plus junk
	fmt.Fprintf(conn, "{\"a\":1}\nnot json\n{\"b\":2}\n")

	c.waitFor(t, 2, 3*time.Second)
}

func TestListener_StopIsPrompt(t *testing.T) {
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := probe.Addr().String()
	probe.Close()

	l := NewListener("tcp", addr, testLogger())
	l.initialBackoff = 50 * time.Millisecond
	require.NoError(t, l.Start(func(map[string]any) {}))

	start := time.Now()
	l.Stop()
	assert.Less(t, time.Since(start), 2500*time.Millisecond)
	assert.Equal(t, StateDisconnected, l.State())

	// Stop twice is safe
	l.Stop()
}
