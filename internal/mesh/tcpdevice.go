package mesh

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	meshtasticpb "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"
)

// Stream framing of the Meshtastic TCP/serial API: two magic bytes followed
// by a big-endian payload length, then a protobuf FromRadio/ToRadio.
const (
	frameStart1  = 0x94
	frameStart2  = 0xc3
	maxFrameSize = 512

	broadcastNum = uint32(0xffffffff)
)

// TCPDevice talks to a Meshtastic node over its TCP API (port 4403). On
// connect it runs the want_config_id handshake, which streams the node
// database and channel list before live packets start flowing.
type TCPDevice struct {
	addr   string
	logger *slog.Logger

	conn    net.Conn
	writeMu sync.Mutex

	packetID atomic.Uint32

	mu        sync.RWMutex
	myNodeNum uint32
	nodes     map[uint32]Node
	channels  []Channel

	events chan Event
	stop   chan struct{}
}

// DialTCPDevice connects to the device at addr and starts its reader.
func DialTCPDevice(addr string, logger *slog.Logger) (*TCPDevice, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("mesh device connect %s: %w", addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetKeepAlive(true)
	}

	d := &TCPDevice{
		addr:   addr,
		logger: logger,
		conn:   conn,
		nodes:  make(map[uint32]Node),
		events: make(chan Event, 64),
		stop:   make(chan struct{}),
	}
	d.packetID.Store(randomSeed())

	go d.readLoop()

	if err := d.wantConfig(); err != nil {
		d.Close()
		return nil, err
	}
	logger.Info("mesh_device_connected", "addr", addr)
	return d, nil
}

func randomSeed() uint32 {
	var raw [4]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(raw[:])
}

func (d *TCPDevice) nextPacketID() uint32 {
	for {
		id := d.packetID.Add(1)
		if id != 0 {
			return id
		}
	}
}

// wantConfig asks the device to stream its configuration (node db, channels).
func (d *TCPDevice) wantConfig() error {
	wire := &meshtasticpb.ToRadio{
		PayloadVariant: &meshtasticpb.ToRadio_WantConfigId{WantConfigId: d.nextPacketID()},
	}
	return d.writeFrame(wire)
}

// SendText transmits a text message and returns the packet id.
func (d *TCPDevice) SendText(text, dest string, channel int, wantAck bool) (uint32, error) {
	to := broadcastNum
	if dest != BroadcastDest {
		num, err := parseNodeID(dest)
		if err != nil {
			return 0, err
		}
		to = num
	}
	if channel < 0 {
		channel = 0
	}

	id := d.nextPacketID()
	packet := &meshtasticpb.MeshPacket{
		To:      to,
		Channel: uint32(channel),
		Id:      id,
		WantAck: wantAck,
		PayloadVariant: &meshtasticpb.MeshPacket_Decoded{Decoded: &meshtasticpb.Data{
			Portnum: meshtasticpb.PortNum_TEXT_MESSAGE_APP,
			Payload: []byte(text),
		}},
	}
	wire := &meshtasticpb.ToRadio{
		PayloadVariant: &meshtasticpb.ToRadio_Packet{Packet: packet},
	}
	if err := d.writeFrame(wire); err != nil {
		return 0, err
	}
	return id, nil
}

// Heartbeat sends a keepalive frame; an error means the link is dead.
func (d *TCPDevice) Heartbeat() error {
	wire := &meshtasticpb.ToRadio{
		PayloadVariant: &meshtasticpb.ToRadio_Heartbeat{Heartbeat: &meshtasticpb.Heartbeat{}},
	}
	return d.writeFrame(wire)
}

// Events returns the inbound event stream.
func (d *TCPDevice) Events() <-chan Event {
	return d.events
}

// Nodes returns a snapshot of the known node database.
func (d *TCPDevice) Nodes() []Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	nodes := make([]Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		nodes = append(nodes, n)
	}
	return nodes
}

// Channels returns a snapshot of the device's channel list.
func (d *TCPDevice) Channels() []Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	channels := make([]Channel, len(d.channels))
	copy(channels, d.channels)
	return channels
}

// SelfID returns this device's own node id, or "" before the handshake
// completes.
func (d *TCPDevice) SelfID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.myNodeNum == 0 {
		return ""
	}
	return formatNodeID(d.myNodeNum)
}

// Close shuts the connection down; the events channel is closed once the
// reader exits.
func (d *TCPDevice) Close() error {
	select {
	case <-d.stop:
		return nil
	default:
	}
	close(d.stop)
	return d.conn.Close()
}

func (d *TCPDevice) writeFrame(wire *meshtasticpb.ToRadio) error {
	payload, err := proto.Marshal(wire)
	if err != nil {
		return fmt.Errorf("mesh device: encode frame: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("mesh device: frame too large: %d bytes", len(payload))
	}
	frame := make([]byte, 4+len(payload))
	frame[0] = frameStart1
	frame[1] = frameStart2
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[4:], payload)

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	d.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := d.conn.Write(frame); err != nil {
		return fmt.Errorf("mesh device: write frame: %w", err)
	}
	return nil
}

// readLoop decodes framed FromRadio packets until the connection drops. It
// resynchronizes on the frame magic, since the stream may carry stray debug
// output between frames.
func (d *TCPDevice) readLoop() {
	defer close(d.events)
	reader := bufio.NewReader(d.conn)
	for {
		payload, err := readFrame(reader)
		if err != nil {
			select {
			case <-d.stop:
			default:
				d.logger.Warn("mesh_device_read_failed", "addr", d.addr, "error", err.Error())
			}
			return
		}
		var wire meshtasticpb.FromRadio
		if err := proto.Unmarshal(payload, &wire); err != nil {
			d.logger.Debug("mesh_frame_decode_failed", "error", err.Error())
			continue
		}
		d.handleFromRadio(&wire)
	}
}

func readFrame(reader *bufio.Reader) ([]byte, error) {
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameStart1 {
			continue
		}
		b, err = reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != frameStart2 {
			continue
		}
		var lenBytes [2]byte
		if _, err := io.ReadFull(reader, lenBytes[:]); err != nil {
			return nil, err
		}
		size := int(binary.BigEndian.Uint16(lenBytes[:]))
		if size > maxFrameSize {
			// not a real frame, keep scanning
			continue
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(reader, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}

func (d *TCPDevice) handleFromRadio(wire *meshtasticpb.FromRadio) {
	switch v := wire.GetPayloadVariant().(type) {
	case *meshtasticpb.FromRadio_MyInfo:
		d.mu.Lock()
		d.myNodeNum = v.MyInfo.GetMyNodeNum()
		d.mu.Unlock()
	case *meshtasticpb.FromRadio_NodeInfo:
		node := Node{
			ID:        formatNodeID(v.NodeInfo.GetNum()),
			ShortName: v.NodeInfo.GetUser().GetShortName(),
			LongName:  v.NodeInfo.GetUser().GetLongName(),
		}
		d.mu.Lock()
		d.nodes[v.NodeInfo.GetNum()] = node
		d.mu.Unlock()
	case *meshtasticpb.FromRadio_Channel:
		if v.Channel.GetRole() == meshtasticpb.Channel_DISABLED {
			return
		}
		ch := Channel{
			Index: int(v.Channel.GetIndex()),
			Name:  v.Channel.GetSettings().GetName(),
		}
		d.mu.Lock()
		d.channels = append(d.channels, ch)
		d.mu.Unlock()
	case *meshtasticpb.FromRadio_ConfigCompleteId:
		d.logger.Debug("mesh_config_complete", "addr", d.addr)
	case *meshtasticpb.FromRadio_Packet:
		d.handlePacket(v.Packet)
	}
}

func (d *TCPDevice) handlePacket(packet *meshtasticpb.MeshPacket) {
	decoded := packet.GetDecoded()
	if decoded == nil {
		return // encrypted payload we cannot read
	}
	from := formatNodeID(packet.GetFrom())

	switch decoded.GetPortnum() {
	case meshtasticpb.PortNum_TEXT_MESSAGE_APP:
		d.emit(Event{
			Kind:      EventText,
			From:      from,
			Text:      string(decoded.GetPayload()),
			RequestID: packet.GetId(),
		})
	case meshtasticpb.PortNum_ROUTING_APP:
		var routing meshtasticpb.Routing
		if err := proto.Unmarshal(decoded.GetPayload(), &routing); err != nil {
			d.logger.Debug("mesh_routing_decode_failed", "error", err.Error())
			return
		}
		kind := EventRouting
		if packet.GetPriority() == meshtasticpb.MeshPacket_ACK {
			kind = EventAck
		}
		d.emit(Event{
			Kind:         kind,
			From:         from,
			RequestID:    decoded.GetRequestId(),
			RoutingError: routing.GetErrorReason().String(),
		})
	}
}

// emit never blocks the reader; when the consumer lags, the oldest pending
// event is dropped.
func (d *TCPDevice) emit(ev Event) {
	select {
	case d.events <- ev:
	default:
		select {
		case <-d.events:
		default:
		}
		select {
		case d.events <- ev:
		default:
		}
		d.logger.Warn("mesh_event_dropped", "kind", int(ev.Kind))
	}
}

func formatNodeID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

func parseNodeID(id string) (uint32, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(id)), "!")
	num, err := strconv.ParseUint(trimmed, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("mesh device: bad node id %q: %w", id, err)
	}
	return uint32(num), nil
}
