package mesh

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DialFunc produces a connected Device. The transport calls it again after a
// session dies, so implementations must return a fresh connection each time.
type DialFunc func() (Device, error)

// TextHandler receives inbound text messages. fromShort is the sender's short
// name when the node database knows it, otherwise "".
type TextHandler func(from, fromShort, text string)

// TimeoutHandler is invoked for deliveries whose ack never arrived.
type TimeoutHandler func(requestID uint32, delivery PendingDelivery)

const routingOK = "NONE"

// Transport owns a Device session: it dials, consumes the event stream,
// tracks acks, heartbeats, and re-dials with backoff when the session dies.
type Transport struct {
	dial      DialFunc
	logger    *slog.Logger
	acks      *AckTracker
	heartbeat time.Duration

	onText    TextHandler
	onTimeout TimeoutHandler

	mu     sync.Mutex
	device Device

	stop chan struct{}
	done chan struct{}

	// tunable for tests
	redialBackoff time.Duration
	sweepInterval time.Duration
}

// NewTransport builds a transport; call Start to bring the session up.
func NewTransport(dial DialFunc, ackTimeout, heartbeat time.Duration, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		dial:          dial,
		logger:        logger,
		acks:          NewAckTracker(ackTimeout),
		heartbeat:     heartbeat,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		redialBackoff: 3 * time.Second,
		sweepInterval: time.Second,
	}
}

// OnText registers the inbound text handler. Must be called before Start.
func (t *Transport) OnText(handler TextHandler) { t.onText = handler }

// OnAckTimeout registers the delivery timeout handler. Must be called before
// Start.
func (t *Transport) OnAckTimeout(handler TimeoutHandler) { t.onTimeout = handler }

// Start dials the device and launches the session loop. The first dial is
// synchronous so callers learn immediately when the device is unreachable.
func (t *Transport) Start() error {
	device, err := t.dial()
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.device = device
	t.mu.Unlock()

	go t.run(device)
	return nil
}

// Stop tears the session down and waits for the loop to exit.
func (t *Transport) Stop() {
	select {
	case <-t.stop:
		return
	default:
	}
	close(t.stop)
	t.mu.Lock()
	device := t.device
	t.mu.Unlock()
	if device != nil {
		device.Close()
	}
	select {
	case <-t.done:
	case <-time.After(2 * time.Second):
	}
}

// SendText transmits via the current session and tracks the delivery when an
// ack was requested.
func (t *Transport) SendText(text, dest string, channel int, wantAck bool) (uint32, error) {
	t.mu.Lock()
	device := t.device
	t.mu.Unlock()
	if device == nil {
		return 0, ErrNotConnected
	}
	id, err := device.SendText(text, dest, channel, wantAck)
	if err != nil {
		return 0, err
	}
	if wantAck {
		t.acks.Add(id, text)
	}
	return id, nil
}

// Pending reports how many deliveries still await an ack.
func (t *Transport) Pending() int { return t.acks.Len() }

// SelfID returns the device's own node id, or "" when no session is up.
func (t *Transport) SelfID() string {
	t.mu.Lock()
	device := t.device
	t.mu.Unlock()
	if device == nil {
		return ""
	}
	return device.SelfID()
}

// NodeID resolves a node reference to a node id. A "!hexid" reference passes
// through unchanged; anything else is matched case-insensitively against
// short names in the node database.
func (t *Transport) NodeID(ref string) (string, bool) {
	if strings.HasPrefix(ref, "!") {
		return strings.ToLower(ref), true
	}
	t.mu.Lock()
	device := t.device
	t.mu.Unlock()
	if device == nil {
		return "", false
	}
	for _, n := range device.Nodes() {
		if strings.EqualFold(n.ShortName, ref) {
			return n.ID, true
		}
	}
	return "", false
}

// NodeShortName looks a node's short name up in the device's node database.
func (t *Transport) NodeShortName(id string) (string, bool) {
	t.mu.Lock()
	device := t.device
	t.mu.Unlock()
	if device == nil {
		return "", false
	}
	for _, n := range device.Nodes() {
		if strings.EqualFold(n.ID, id) {
			return n.ShortName, n.ShortName != ""
		}
	}
	return "", false
}

// ChannelIndex resolves a channel name to its index, case-insensitively.
func (t *Transport) ChannelIndex(name string) (int, bool) {
	t.mu.Lock()
	device := t.device
	t.mu.Unlock()
	if device == nil {
		return 0, false
	}
	for _, ch := range device.Channels() {
		if strings.EqualFold(ch.Name, name) {
			return ch.Index, true
		}
	}
	return 0, false
}

// run consumes sessions until Stop. Each dead session is replaced after a
// short pause.
func (t *Transport) run(device Device) {
	defer close(t.done)
	for {
		t.consume(device)
		device.Close()

		select {
		case <-t.stop:
			return
		case <-time.After(t.redialBackoff):
		}

		next, err := t.redial()
		if err != nil {
			return
		}
		device = next
	}
}

func (t *Transport) redial() (Device, error) {
	for {
		device, err := t.dial()
		if err == nil {
			t.mu.Lock()
			t.device = device
			t.mu.Unlock()
			t.logger.Info("mesh_session_restored")
			return device, nil
		}
		t.logger.Warn("mesh_redial_failed", "error", err.Error())
		select {
		case <-t.stop:
			return nil, err
		case <-time.After(t.redialBackoff):
		}
	}
}

// consume drains one session's events until its channel closes.
func (t *Transport) consume(device Device) {
	sweep := time.NewTicker(t.sweepInterval)
	defer sweep.Stop()

	var beat *time.Ticker
	var beatCh <-chan time.Time
	if t.heartbeat > 0 {
		beat = time.NewTicker(t.heartbeat)
		beatCh = beat.C
		defer beat.Stop()
	}

	for {
		select {
		case <-t.stop:
			return
		case ev, ok := <-device.Events():
			if !ok {
				t.logger.Warn("mesh_session_lost")
				return
			}
			t.handleEvent(ev)
		case <-sweep.C:
			for _, expired := range t.acks.SweepTimeouts() {
				t.logger.Warn("mesh_ack_timeout",
					"packet_id", expired.RequestID,
					"text", expired.Delivery.Text,
					"waited", time.Since(expired.Delivery.SentAt).Round(time.Millisecond).String())
				if t.onTimeout != nil {
					t.onTimeout(expired.RequestID, expired.Delivery)
				}
			}
		case <-beatCh:
			if err := device.Heartbeat(); err != nil {
				t.logger.Warn("mesh_heartbeat_failed", "error", err.Error())
				return
			}
		}
	}
}

func (t *Transport) handleEvent(ev Event) {
	switch ev.Kind {
	case EventText:
		if t.onText == nil {
			return
		}
		short, _ := t.NodeShortName(ev.From)
		t.onText(ev.From, short, ev.Text)
	case EventAck:
		if delivery, ok := t.acks.Confirm(ev.RequestID); ok {
			t.logger.Info("mesh_delivery_confirmed",
				"packet_id", ev.RequestID,
				"from", ev.From,
				"rtt", time.Since(delivery.SentAt).Round(time.Millisecond).String())
		}
	case EventRouting:
		delivery, ok := t.acks.Confirm(ev.RequestID)
		if !ok {
			return
		}
		if ev.RoutingError == routingOK {
			t.logger.Info("mesh_delivery_confirmed",
				"packet_id", ev.RequestID,
				"from", ev.From,
				"rtt", time.Since(delivery.SentAt).Round(time.Millisecond).String())
			return
		}
		t.logger.Warn("mesh_delivery_failed",
			"packet_id", ev.RequestID,
			"from", ev.From,
			"reason", ev.RoutingError)
	}
}
