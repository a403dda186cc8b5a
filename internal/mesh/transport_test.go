package mesh

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	mu      sync.Mutex
	events  chan Event
	sent    []sentText
	nodes   []Node
	chans   []Channel
	selfID  string
	sendErr error
	nextID  uint32
	closed  atomic.Bool
}

type sentText struct {
	text    string
	dest    string
	channel int
	wantAck bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		events: make(chan Event, 16),
		selfID: "!00000001",
		nextID: 100,
	}
}

func (f *fakeDevice) SendText(text, dest string, channel int, wantAck bool) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.sent = append(f.sent, sentText{text, dest, channel, wantAck})
	f.nextID++
	return f.nextID, nil
}

func (f *fakeDevice) Events() <-chan Event { return f.events }
func (f *fakeDevice) Nodes() []Node        { return f.nodes }
func (f *fakeDevice) Channels() []Channel  { return f.chans }
func (f *fakeDevice) SelfID() string       { return f.selfID }
func (f *fakeDevice) Heartbeat() error     { return nil }

func (f *fakeDevice) Close() error {
	if f.closed.CompareAndSwap(false, true) {
		close(f.events)
	}
	return nil
}

func (f *fakeDevice) sentCopy() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentText, len(f.sent))
	copy(out, f.sent)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startTransport(t *testing.T, dial DialFunc, ackTimeout time.Duration) *Transport {
	t.Helper()
	tr := NewTransport(dial, ackTimeout, 0, discardLogger())
	tr.redialBackoff = 10 * time.Millisecond
	tr.sweepInterval = 10 * time.Millisecond
	return tr
}

func TestTransportDeliversInboundText(t *testing.T) {
	device := newFakeDevice()
	device.nodes = []Node{{ID: "!deadbeef", ShortName: "ABCD"}}
	tr := startTransport(t, func() (Device, error) { return device, nil }, time.Second)

	got := make(chan [3]string, 1)
	tr.OnText(func(from, short, text string) {
		got <- [3]string{from, short, text}
	})
	require.NoError(t, tr.Start())
	defer tr.Stop()

	device.events <- Event{Kind: EventText, From: "!deadbeef", Text: "hello"}

	select {
	case msg := <-got:
		assert.Equal(t, "!deadbeef", msg[0])
		assert.Equal(t, "ABCD", msg[1])
		assert.Equal(t, "hello", msg[2])
	case <-time.After(time.Second):
		t.Fatal("text never delivered")
	}
}

func TestTransportTracksAndConfirmsAcks(t *testing.T) {
	device := newFakeDevice()
	tr := startTransport(t, func() (Device, error) { return device, nil }, time.Second)
	require.NoError(t, tr.Start())
	defer tr.Stop()

	id, err := tr.SendText("payload", "!deadbeef", 0, true)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Pending())

	device.events <- Event{Kind: EventAck, From: "!deadbeef", RequestID: id}

	assert.Eventually(t, func() bool { return tr.Pending() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestTransportRoutingFailureClearsPending(t *testing.T) {
	device := newFakeDevice()
	tr := startTransport(t, func() (Device, error) { return device, nil }, time.Second)
	require.NoError(t, tr.Start())
	defer tr.Stop()

	id, err := tr.SendText("payload", "!deadbeef", 0, true)
	require.NoError(t, err)

	device.events <- Event{Kind: EventRouting, From: "!deadbeef", RequestID: id, RoutingError: "MAX_RETRANSMIT"}

	assert.Eventually(t, func() bool { return tr.Pending() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestTransportAckTimeoutFiresHandler(t *testing.T) {
	device := newFakeDevice()
	tr := startTransport(t, func() (Device, error) { return device, nil }, 30*time.Millisecond)

	timeouts := make(chan uint32, 1)
	tr.OnAckTimeout(func(requestID uint32, delivery PendingDelivery) {
		timeouts <- requestID
	})
	require.NoError(t, tr.Start())
	defer tr.Stop()

	id, err := tr.SendText("payload", "!deadbeef", 0, true)
	require.NoError(t, err)

	select {
	case got := <-timeouts:
		assert.Equal(t, id, got)
	case <-time.After(time.Second):
		t.Fatal("timeout handler never fired")
	}
	assert.Equal(t, 0, tr.Pending())
}

func TestTransportNoAckTrackingWithoutWantAck(t *testing.T) {
	device := newFakeDevice()
	tr := startTransport(t, func() (Device, error) { return device, nil }, time.Second)
	require.NoError(t, tr.Start())
	defer tr.Stop()

	_, err := tr.SendText("payload", BroadcastDest, 0, false)
	require.NoError(t, err)
	assert.Equal(t, 0, tr.Pending())

	sent := device.sentCopy()
	require.Len(t, sent, 1)
	assert.Equal(t, BroadcastDest, sent[0].dest)
	assert.False(t, sent[0].wantAck)
}

func TestTransportRedialsAfterSessionLoss(t *testing.T) {
	first := newFakeDevice()
	second := newFakeDevice()
	second.selfID = "!00000002"

	var dials atomic.Int32
	dial := func() (Device, error) {
		if dials.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	}

	tr := startTransport(t, dial, time.Second)
	require.NoError(t, tr.Start())
	defer tr.Stop()

	first.Close()

	assert.Eventually(t, func() bool { return tr.SelfID() == "!00000002" },
		2*time.Second, 10*time.Millisecond)
}

func TestTransportChannelIndexLookup(t *testing.T) {
	device := newFakeDevice()
	device.chans = []Channel{{Index: 0, Name: "LongFast"}, {Index: 2, Name: "bridge"}}
	tr := startTransport(t, func() (Device, error) { return device, nil }, time.Second)
	require.NoError(t, tr.Start())
	defer tr.Stop()

	idx, ok := tr.ChannelIndex("BRIDGE")
	require.True(t, ok)
	assert.Equal(t, 2, idx)

	_, ok = tr.ChannelIndex("nope")
	assert.False(t, ok)
}
