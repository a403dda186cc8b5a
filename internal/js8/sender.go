package js8

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Command is one outbound JS8Call API frame. Only the fields actually set
// are serialized; JS8Call treats a present-but-empty "value" differently
// from an absent one, so commands carry exactly what each operation needs.
type Command map[string]any

// Rotating palette of invisible characters appended when the exact same
// broadcast body is staged twice in a row. JS8Call refuses to transmit a
// text identical to the previous one; the marker makes it distinct without
// being visible on the air.
var zeroWidthPalette = []string{"\u2060", "\u200a", "\u2062", "\u2009"}

const (
	aliveWindow  = 10 * time.Second
	writeTimeout = 2 * time.Second
	pumpReadWait = 200 * time.Millisecond
)

// Sender maintains the outbound connection to the JS8Call control socket.
// A background pump goroutine continuously drains inbound traffic so the
// socket never backs up after the first command; without it JS8Call stalls
// once its own send buffer fills.
type Sender struct {
	Addr string

	logger  *slog.Logger
	limiter *rate.Limiter

	// pacing, shortened by tests
	SendRetries  int
	settleWait   time.Duration
	txCycleWait  time.Duration
	clearSleep   time.Duration
	retryBackoff time.Duration
	writeWait    time.Duration

	sendMu sync.Mutex // serializes public send operations
	connMu sync.Mutex // guards conn and pump lifecycle
	conn   net.Conn

	state    atomic.Int32
	lastSeen atomic.Int64 // unix nanos of last inbound traffic

	pumpStop chan struct{}
	pumpDone chan struct{}

	hbStop chan struct{}
	hbOnce sync.Once

	lastBroadcastBody string
	zwIndex           int
}

// NewSender creates a sender for the JS8Call TCP API at addr.
func NewSender(addr string, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		Addr:   addr,
		logger: logger,
		// one transmission every couple of seconds is plenty for an HF cycle
		limiter:      rate.NewLimiter(rate.Every(2*time.Second), 2),
		SendRetries:  3,
		settleWait:   150 * time.Millisecond,
		txCycleWait:  300 * time.Millisecond,
		clearSleep:   50 * time.Millisecond,
		retryBackoff: 150 * time.Millisecond,
		writeWait:    writeTimeout,
		hbStop:       make(chan struct{}),
	}
}

// State reports the current connection state.
func (s *Sender) State() ConnState {
	return ConnState(s.state.Load())
}

// Connect opens the socket, enables keepalive and starts the drain pump.
// Any previous connection is closed first.
func (s *Sender) Connect() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.connectLocked()
}

func (s *Sender) connectLocked() error {
	s.closeLocked()
	s.state.Store(int32(StateConnecting))

	conn, err := net.DialTimeout("tcp", s.Addr, 3*time.Second)
	if err != nil {
		s.state.Store(int32(StateDisconnected))
		return fmt.Errorf("js8 sender connect %s: %w", s.Addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
	}
	s.conn = conn
	s.lastSeen.Store(time.Now().UnixNano())
	s.state.Store(int32(StateConnected))

	s.pumpStop = make(chan struct{})
	s.pumpDone = make(chan struct{})
	go s.pump(conn, s.pumpStop, s.pumpDone)

	s.logger.Debug("js8_sender_connected", "addr", s.Addr)
	return nil
}

// Close stops the pump and heartbeat loops and releases the socket.
func (s *Sender) Close() {
	s.hbOnce.Do(func() { close(s.hbStop) })
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.closeLocked()
}

func (s *Sender) closeLocked() {
	if s.pumpStop != nil {
		close(s.pumpStop)
		select {
		case <-s.pumpDone:
		case <-time.After(500 * time.Millisecond):
		}
		s.pumpStop = nil
		s.pumpDone = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.state.Store(int32(StateDisconnected))
}

// pump reads and discards inbound lines for the lifetime of one connection.
// It only tracks when traffic was last seen; the frames themselves are
// intentionally ignored.
func (s *Sender) pump(conn net.Conn, stop, done chan struct{}) {
	defer close(done)
	buf := make([]byte, 8192)
	var pending []byte
	for {
		select {
		case <-stop:
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(pumpReadWait))
		n, err := conn.Read(buf)
		if n > 0 {
			s.lastSeen.Store(time.Now().UnixNano())
			pending = append(pending, buf[:n]...)
			for {
				idx := bytes.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				pending = pending[idx+1:] // drained by design
			}
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-stop:
			default:
				s.logger.Debug("js8_sender_pump_stopped", "error", err.Error())
			}
			return
		}
	}
}

// sendRaw serializes obj as one JSON line and writes it fully. Transient
// write timeouts are retried briefly; a timed-out write may have delivered a
// prefix already, so each retry resumes at the unwritten offset to keep the
// line stream intact.
func (s *Sender) sendRaw(obj Command) error {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return errors.New("js8 sender: not connected")
	}

	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("js8 sender: encode command: %w", err)
	}
	data = append(data, '\n')

	written := 0
	for attempt := 0; attempt < 3; attempt++ {
		conn.SetWriteDeadline(time.Now().Add(s.writeWait))
		n, werr := conn.Write(data[written:])
		written += n
		err = werr
		if err == nil {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			time.Sleep(10 * time.Millisecond) // transient backpressure
			continue
		}
		return fmt.Errorf("js8 sender: write: %w", err)
	}
	return fmt.Errorf("js8 sender: write kept timing out: %w", err)
}

// SendCommand writes one command. On hard I/O failure it reconnects exactly
// once and retries the write before giving up.
func (s *Sender) SendCommand(obj Command) bool {
	if err := s.sendRaw(obj); err == nil {
		return true
	}
	if err := s.Connect(); err != nil {
		s.logger.Debug("js8_sender_reconnect_failed", "error", err.Error())
		return false
	}
	if err := s.sendRaw(obj); err != nil {
		s.logger.Debug("js8_sender_send_failed", "type", obj["type"], "error", err.Error())
		return false
	}
	return true
}

// sendWithRetry tries SendCommand up to n times with linear backoff between
// attempts.
func (s *Sender) sendWithRetry(obj Command, n int) bool {
	for i := 0; i < n; i++ {
		if s.SendCommand(obj) {
			return true
		}
		time.Sleep(s.retryBackoff * time.Duration(i+1))
	}
	return false
}

// IsAlive is true when traffic was observed recently or a lightweight probe
// can be dispatched without error.
func (s *Sender) IsAlive() bool {
	if s.State() != StateConnected {
		return false
	}
	if time.Since(time.Unix(0, s.lastSeen.Load())) < aliveWindow {
		return true
	}
	return s.sendRaw(Command{"type": "STATION.GET_CALLSIGN"}) == nil
}

// StartHeartbeat launches a loop that probes liveness every interval and
// logs a warning when JS8Call stops answering. It never blocks sends and
// runs until Close.
func (s *Sender) StartHeartbeat(interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.hbStop:
				return
			case <-ticker.C:
				if !s.IsAlive() {
					s.logger.Warn("js8_heartbeat_no_response", "addr", s.Addr)
				}
			}
		}
	}()
}

// SendDirected sends text to one station via the API only, never touching
// the transmit box. The destination keeps or loses its leading @ as JS8Call
// requires; both spellings are attempted.
func (s *Sender) SendDirected(to, text string) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if !s.ensureAlive() {
		return false
	}
	s.limiter.Wait(context.Background())
	time.Sleep(s.settleWait)

	dest := strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(to), "@"))
	body := strings.TrimSpace(text)

	for _, variant := range []string{dest, "@" + dest} {
		cmd := Command{
			"type":   "TX.SEND_MESSAGE",
			"value":  variant + " " + body,
			"params": map[string]any{},
		}
		if s.sendWithRetry(cmd, s.SendRetries) {
			time.Sleep(s.txCycleWait) // avoid overlapping the next TX cycle
			return true
		}
	}
	return false
}

// SendBroadcast sends text to everyone. It first tries a directed @ALLCALL
// command; when that path fails it falls back to staging the text and
// triggering a transmission, de-duplicating against JS8Call's own repeat
// suppression when needed.
func (s *Sender) SendBroadcast(text string) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if !s.ensureAlive() {
		return false
	}
	s.limiter.Wait(context.Background())
	time.Sleep(s.settleWait)

	for _, to := range []string{"@ALLCALL", "ALLCALL"} {
		cmd := Command{
			"type":   "TX.SEND_MESSAGE",
			"value":  text,
			"params": map[string]any{"TO": to},
		}
		if s.sendWithRetry(cmd, s.SendRetries) {
			time.Sleep(s.txCycleWait)
			return true
		}
	}

	return s.sendStaged(text)
}

// sendStaged writes text into the transmit buffer and fires TX.SEND.
func (s *Sender) sendStaged(text string) bool {
	payload := s.antiDedupe(text)

	s.SendCommand(Command{"type": "TX.SET_TEXT", "value": ""})
	time.Sleep(s.clearSleep)
	s.SendCommand(Command{"type": "TX.SET_TEXT", "value": payload})
	time.Sleep(s.clearSleep)
	if !s.sendWithRetry(Command{"type": "TX.SEND"}, s.SendRetries) {
		s.logger.Warn("js8_staged_send_failed", "len", len(payload))
		return false
	}
	time.Sleep(s.txCycleWait)
	s.SendCommand(Command{"type": "TX.SET_TEXT", "value": ""})
	s.lastBroadcastBody = text
	return true
}

// antiDedupe appends a rotating zero-width marker when body repeats the last
// staged broadcast verbatim.
func (s *Sender) antiDedupe(body string) string {
	if body != s.lastBroadcastBody || body == "" {
		return body
	}
	marker := zeroWidthPalette[s.zwIndex%len(zeroWidthPalette)]
	s.zwIndex++
	return body + marker
}

// ensureAlive connects on demand and verifies the peer answers. One
// reconnect attempt is made before giving up.
func (s *Sender) ensureAlive() bool {
	if s.State() != StateConnected {
		if err := s.Connect(); err != nil {
			s.logger.Warn("js8_sender_connect_failed", "addr", s.Addr, "error", err.Error())
			return false
		}
	}
	if s.IsAlive() {
		return true
	}
	if err := s.Connect(); err != nil {
		return false
	}
	return s.IsAlive()
}
