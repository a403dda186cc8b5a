package mesh

import "errors"

// ErrNotConnected is returned when a send is attempted with no live session.
var ErrNotConnected = errors.New("mesh: not connected")

// EventKind classifies inbound device events.
type EventKind int

const (
	EventText EventKind = iota
	EventAck
	EventRouting
)

// Event is one inbound occurrence on the mesh: a text message, an explicit
// delivery acknowledgment, or a routing status for an earlier send.
type Event struct {
	Kind         EventKind
	From         string // node id, "!xxxxxxxx"
	Text         string
	RequestID    uint32
	RoutingError string // "" or "NONE" means success
}

// Node describes a mesh node known to the device.
type Node struct {
	ID        string
	ShortName string
	LongName  string
}

// Channel describes one configured mesh channel.
type Channel struct {
	Index int
	Name  string
}

// BroadcastDest selects the broadcast address in SendText.
const BroadcastDest = ""

// Device is the boundary to the mesh hardware. Implementations deliver
// inbound events on the channel returned by Events; the adapter owns the
// single subscription.
type Device interface {
	// SendText transmits text. dest selects a node id or BroadcastDest;
	// channel < 0 means the primary channel. Returns the packet id usable
	// for acknowledgment tracking.
	SendText(text, dest string, channel int, wantAck bool) (uint32, error)

	// Events returns the inbound event stream. The channel is closed when
	// the device shuts down.
	Events() <-chan Event

	// Nodes returns the currently known node database.
	Nodes() []Node

	// Channels returns the device's channel list.
	Channels() []Channel

	// SelfID returns this device's own node id, or "" when unknown.
	SelfID() string

	// Heartbeat checks the device link; an error means the connection is
	// gone and must be recreated.
	Heartbeat() error

	Close() error
}
