package js8

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ConnState tracks the lifecycle of one socket. It is owned by the component
// that mutates it; other goroutines only read snapshots.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const listenerBufferSize = 64 * 1024

// Handler receives one decoded JSON frame. It is invoked synchronously from
// the listener's goroutine; panics are recovered so one bad event cannot
// stop the stream.
type Handler func(event map[string]any)

// Listener maintains the inbound connection to the JS8Call control socket,
// reassembles newline-delimited JSON frames and hands each decoded object to
// the handler. The TCP mode reconnects forever with exponential backoff.
type Listener struct {
	Mode string // "tcp" or "udp"
	Addr string

	logger *slog.Logger
	state  atomic.Int32

	// backoff tuning, shortened by tests
	initialBackoff time.Duration
	maxBackoff     time.Duration
	readTimeout    time.Duration

	mu      sync.Mutex
	conn    net.Conn
	stop    chan struct{}
	done    chan struct{}
	started bool
}

// NewListener creates a listener for the given mode ("tcp" or "udp") and
// address.
func NewListener(mode, addr string, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		Mode:           mode,
		Addr:           addr,
		logger:         logger,
		initialBackoff: time.Second,
		maxBackoff:     10 * time.Second,
		readTimeout:    time.Second,
	}
}

// State reports the current connection state.
func (l *Listener) State() ConnState {
	return ConnState(l.state.Load())
}

// Start launches the read loop in its own goroutine. Calling Start on a
// running listener is a no-op.
func (l *Listener) Start(handler Handler) error {
	if handler == nil {
		return errors.New("listener handler must not be nil")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	l.started = true

	if l.Mode == "udp" {
		go l.runUDP(handler)
	} else {
		go l.runTCP(handler)
	}
	return nil
}

// Stop halts the read loop and releases the socket. The worker observes
// cancellation within one read timeout; Stop waits for it with a bounded
// timeout and returns regardless.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	l.started = false
	close(l.stop)
	if l.conn != nil {
		l.conn.Close()
	}
	done := l.done
	l.mu.Unlock()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		l.logger.Warn("listener_stop_timeout", "addr", l.Addr)
	}
	l.state.Store(int32(StateDisconnected))
}

func (l *Listener) setConn(conn net.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
}

func (l *Listener) stopped() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

func (l *Listener) runTCP(handler Handler) {
	defer close(l.done)
	defer l.state.Store(int32(StateDisconnected))

	backoff := l.initialBackoff
	for !l.stopped() {
		l.state.Store(int32(StateConnecting))
		conn, err := net.DialTimeout("tcp", l.Addr, 5*time.Second)
		if err != nil {
			l.logger.Warn("js8_tcp_connect_failed",
				"addr", l.Addr,
				"error", err.Error(),
				"retry_in", backoff.String(),
			)
			if !l.waitBackoff(backoff) {
				return
			}
			backoff = nextBackoff(backoff, l.maxBackoff)
			continue
		}
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
		}
		l.setConn(conn)
		l.state.Store(int32(StateConnected))
		l.logger.Info("js8_tcp_connected", "addr", l.Addr)
		backoff = l.initialBackoff // reset on successful connect

		l.readStream(conn, handler)

		conn.Close()
		l.setConn(nil)
		l.state.Store(int32(StateDisconnected))
		if l.stopped() {
			return
		}
		if !l.waitBackoff(backoff) {
			return
		}
		backoff = nextBackoff(backoff, l.maxBackoff)
	}
}

// readStream consumes the connection until EOF, a hard error or Stop.
func (l *Listener) readStream(conn net.Conn, handler Handler) {
	buf := make([]byte, listenerBufferSize)
	var pending []byte
	for !l.stopped() {
		conn.SetReadDeadline(time.Now().Add(l.readTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				idx := bytes.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				line := pending[:idx]
				pending = pending[idx+1:]
				l.handleLine(line, handler)
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue // non-fatal, loop so Stop is observed
			}
			if !l.stopped() {
				l.logger.Warn("js8_tcp_closed",
					"addr", l.Addr,
					"error", err.Error(),
				)
			}
			return
		}
	}
}

func (l *Listener) runUDP(handler Handler) {
	defer close(l.done)
	defer l.state.Store(int32(StateDisconnected))

	l.state.Store(int32(StateConnecting))
	addr, err := net.ResolveUDPAddr("udp", l.Addr)
	if err != nil {
		l.logger.Error("js8_udp_resolve_failed", "addr", l.Addr, "error", err.Error())
		return
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		l.logger.Error("js8_udp_bind_failed", "addr", l.Addr, "error", err.Error())
		return
	}
	defer conn.Close()
	l.setConn(conn)
	l.state.Store(int32(StateConnected))
	l.logger.Info("js8_udp_listening", "addr", conn.LocalAddr().String())

	buf := make([]byte, listenerBufferSize)
	for !l.stopped() {
		conn.SetReadDeadline(time.Now().Add(l.readTimeout))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !l.stopped() {
				l.logger.Warn("js8_udp_read_error", "error", err.Error())
			}
			continue
		}
		// one datagram may carry several newline-joined frames
		for _, line := range bytes.Split(buf[:n], []byte{'\n'}) {
			l.handleLine(line, handler)
		}
	}
}

// handleLine decodes one frame and invokes the handler. Malformed or
// non-object payloads are logged at debug level and dropped; they must never
// stop the read loop.
func (l *Listener) handleLine(line []byte, handler Handler) {
	line = bytes.TrimSpace(bytes.TrimSuffix(line, []byte{'\r'}))
	if len(line) == 0 {
		return
	}
	var evt map[string]any
	if err := json.Unmarshal(line, &evt); err != nil {
		l.logger.Debug("js8_frame_decode_failed",
			"error", err.Error(),
			"line", truncateForLog(line),
		)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warn("js8_handler_panic", "panic", fmt.Sprint(r))
		}
	}()
	handler(evt)
}

// waitBackoff sleeps for d unless Stop fires first; it reports whether the
// loop should continue.
func (l *Listener) waitBackoff(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-l.stop:
		return false
	case <-timer.C:
		return true
	}
}

func nextBackoff(current, ceiling time.Duration) time.Duration {
	next := time.Duration(float64(current) * 1.8)
	if next > ceiling {
		return ceiling
	}
	return next
}

func truncateForLog(line []byte) string {
	if len(line) > 200 {
		line = line[:200]
	}
	return string(line)
}
