package bridge

import (
	"log/slog"
	"regexp"
	"strings"

	"js8tastic/internal/config"
	"js8tastic/internal/js8"
	"js8tastic/internal/mesh"
)

// ModemSender is the outbound half of the JS8Call control socket.
type ModemSender interface {
	SendDirected(to, text string) bool
	SendBroadcast(text string) bool
}

// MeshSender is the outbound half of the mesh transport.
type MeshSender interface {
	SendText(text, dest string, channel int, wantAck bool) (uint32, error)
	SelfID() string
}

var escapeAtRe = regexp.MustCompile(`^(\s*)@@`)

const broadcastCall = "ALLCALL"

// Bridge wires the two directional pipelines together. It owns no sockets
// itself; the listener, sender and transport hand events in and take sends
// out through the interfaces above.
type Bridge struct {
	cfg    *config.Config
	logger *slog.Logger
	routes *RoutingEngine
	dedup  *DedupFilter
	dir    Directory
	modem  ModemSender
	mesh   MeshSender
	stats  *Stats
}

func New(cfg *config.Config, modem ModemSender, meshSender MeshSender, dir Directory, routes *RoutingEngine, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		cfg:    cfg,
		logger: logger,
		routes: routes,
		dedup:  NewDedupFilter(cfg.DedupWindow),
		dir:    dir,
		modem:  modem,
		mesh:   meshSender,
		stats:  NewStats(),
	}
}

// Stats exposes the traffic counters for the status endpoint.
func (b *Bridge) Stats() *Stats { return b.stats }

// DedupFill reports how many entries the dedup window currently holds.
func (b *Bridge) DedupFill() int { return b.dedup.Len() }

// HandleModemEvent is the modem-to-mesh pipeline. It runs synchronously on
// the listener's read goroutine.
func (b *Bridge) HandleModemEvent(evt map[string]any) {
	if !b.cfg.EnableJ2M {
		return
	}
	msg, ok := js8.ExtractMessage(evt)
	if !ok {
		return
	}
	if msg.Source == js8.UnknownSource {
		b.logger.Debug("modem_rx_no_source", "text", msg.Text)
		return
	}
	b.stats.modemRx.Add(1)
	b.logger.Info("modem_rx", "from", msg.Source, "text", msg.Text)

	tagText := js8.StripLeadingCallsign(msg.Text)
	tag, body, ok := js8.ParseTag(tagText)
	if !ok {
		b.logger.Debug("modem_rx_no_tag", "text", tagText)
		return
	}

	outText := body
	if !b.cfg.StripTag {
		outText = "@" + tag
		if body != "" {
			outText += " " + body
		}
	}
	forwarded := strings.TrimSpace(b.cfg.Prefix + " " + msg.Source + ": " + outText)

	dests := b.routes.Resolve(tag, b.dir)
	if len(dests) == 0 {
		b.stats.noRoute.Add(1)
		b.logger.Info("no_route_matched", "tag", tag)
		return
	}
	for _, dest := range dests {
		id, err := b.mesh.SendText(forwarded, dest.NodeID, dest.Channel, dest.WantAck)
		if err != nil {
			b.logger.Warn("mesh_send_failed", "dest", dest.NodeID, "channel", dest.Channel, "error", err.Error())
			continue
		}
		b.stats.meshTx.Add(1)
		b.logger.Info("mesh_tx", "packet_id", id, "dest", dest.NodeID, "channel", dest.Channel, "want_ack", dest.WantAck)
	}
}

// HandleMeshText is the mesh-to-modem pipeline. It runs synchronously on the
// transport's event goroutine.
func (b *Bridge) HandleMeshText(from, fromShort, text string) {
	if !b.cfg.EnableM2J {
		return
	}
	txt := js8.NormalizeText(text)
	if txt == "" {
		return
	}

	// echo guard: our own mesh injections start with the forwarding prefix
	if b.cfg.Prefix != "" && strings.HasPrefix(txt, b.cfg.Prefix) {
		b.stats.droppedEcho.Add(1)
		b.logger.Debug("mesh_rx_echo_dropped", "text", txt)
		return
	}
	if !b.allowedSender(from, fromShort) {
		b.logger.Debug("mesh_rx_filtered", "from", from)
		return
	}
	if !b.cfg.M2JAllowSelf {
		if self := b.mesh.SelfID(); self != "" && strings.EqualFold(from, self) {
			return
		}
	}
	if b.dedup.IsDuplicate(from, txt) {
		b.stats.droppedDup.Add(1)
		b.logger.Debug("mesh_rx_duplicate", "from", from, "text", txt)
		return
	}
	b.stats.meshRx.Add(1)

	// "@@..." escapes routing: broadcast the text with a single @ restored
	if b.cfg.M2JEscapeAt && strings.HasPrefix(strings.TrimLeft(txt, " \t"), "@@") {
		literal := b.truncate(escapeAtRe.ReplaceAllString(txt, "$1@"))
		ok := b.modem.SendBroadcast(literal)
		b.countModemTx(ok)
		b.logger.Info("modem_tx_literal", "from", from, "chars", len(literal), "ok", ok)
		return
	}

	// "@CALL body" goes out as an exact directed send
	if call, body, ok := js8.SplitAtCall(txt); ok {
		body = b.truncate(body)
		sent := b.modem.SendDirected(call, body)
		b.countModemTx(sent)
		if sent {
			b.logger.Info("modem_tx_directed", "from", from, "to", call, "chars", len(body))
		} else {
			b.logger.Warn("modem_tx_failed", "to", call, "text", body)
		}
		return
	}

	core := from + ": " + txt
	if fromShort != "" {
		core = "[" + fromShort + "] " + core
	}
	out := b.truncate(strings.TrimSpace(b.cfg.M2JPrefix + core))
	b.sendDefault(from, out)
}

// HandleAckTimeout records deliveries whose mesh ack never arrived.
func (b *Bridge) HandleAckTimeout(requestID uint32, delivery mesh.PendingDelivery) {
	b.stats.ackTimeouts.Add(1)
}

func (b *Bridge) sendDefault(from, text string) {
	dest := strings.TrimSpace(b.cfg.M2JTo)
	upper := strings.ToUpper(dest)
	if upper == broadcastCall || upper == "@"+broadcastCall {
		ok := b.modem.SendBroadcast(text)
		b.countModemTx(ok)
		b.logger.Info("modem_tx_broadcast", "from", from, "chars", len(text), "ok", ok)
		return
	}
	call := strings.ToUpper(strings.TrimPrefix(dest, "@"))
	ok := b.modem.SendDirected(call, text)
	b.countModemTx(ok)
	b.logger.Info("modem_tx_directed", "from", from, "to", call, "chars", len(text), "ok", ok)
}

func (b *Bridge) countModemTx(ok bool) {
	if ok {
		b.stats.modemTx.Add(1)
	}
}

// allowedSender applies the sender allow-list: exact node id, hex suffix of
// the id, or short name. An empty list allows everyone.
func (b *Bridge) allowedSender(from, fromShort string) bool {
	if len(b.cfg.M2JOnlyFrom) == 0 {
		return true
	}
	if from == "" {
		return false
	}
	for _, token := range b.cfg.M2JOnlyFrom {
		if matchesSender(token, from, fromShort) {
			return true
		}
	}
	return false
}

var hexSuffixRe = regexp.MustCompile(`^[A-Fa-f0-9]{3,}$`)

func matchesSender(token, from, fromShort string) bool {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return false
	}
	if strings.HasPrefix(tok, "!") {
		return strings.EqualFold(from, tok)
	}
	if hexSuffixRe.MatchString(tok) {
		return strings.HasSuffix(strings.ToLower(from), strings.ToLower(tok))
	}
	return fromShort != "" && strings.EqualFold(fromShort, tok)
}

func (b *Bridge) truncate(s string) string {
	max := b.cfg.M2JMaxLen
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
