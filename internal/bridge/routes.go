package bridge

import (
	"log/slog"
	"strconv"
	"strings"
)

// Directory answers the name lookups routing needs at dispatch time. Lookups
// are live rather than cached because the device's node and channel lists
// keep growing after startup.
type Directory interface {
	// NodeID resolves a node reference ("!hexid" or a short name) to a
	// concrete node id.
	NodeID(ref string) (string, bool)
	// ChannelIndex resolves a channel name to its index.
	ChannelIndex(name string) (int, bool)
}

// Destination is one concrete resolved target on the mesh. NodeID is empty
// for channel broadcasts; Channel is -1 when the device default applies.
type Destination struct {
	NodeID  string
	Channel int
	WantAck bool
}

// Defaults is the fallback target used when no routing rules are configured.
type Defaults struct {
	NodeID       string // "!hexid", sent directly
	NodeName     string // short name, resolved at dispatch time
	ChannelIndex int    // -1 when unset
	ChannelName  string
}

// RoutingEngine maps message tags to mesh destinations. Route tables are
// built once at startup and never mutated, so Resolve takes no lock.
type RoutingEngine struct {
	nodeRoutes map[string][]string
	chanRoutes map[string][]string
	onlyTag    string
	defaults   Defaults
	wantAck    bool
	logger     *slog.Logger
}

// NewRoutingEngine builds an engine from parsed TAG=value rule tables. Node
// rule values are "!hexid" or short names; channel rule values are numeric
// indices or channel names.
func NewRoutingEngine(nodeRoutes, chanRoutes map[string][]string, onlyTag string, defaults Defaults, wantAck bool, logger *slog.Logger) *RoutingEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if nodeRoutes == nil {
		nodeRoutes = map[string][]string{}
	}
	if chanRoutes == nil {
		chanRoutes = map[string][]string{}
	}
	return &RoutingEngine{
		nodeRoutes: nodeRoutes,
		chanRoutes: chanRoutes,
		onlyTag:    strings.ToLower(onlyTag),
		defaults:   defaults,
		wantAck:    wantAck,
		logger:     logger,
	}
}

// HasRules reports whether any routing rules are configured.
func (r *RoutingEngine) HasRules() bool {
	return len(r.nodeRoutes) > 0 || len(r.chanRoutes) > 0
}

// Resolve returns the destinations for a tag: the rule entries when the tag
// has any, otherwise the configured default (unless the tag filter rejects
// it). Unresolvable entries are logged and skipped, never fatal. An empty
// result means no route matched.
func (r *RoutingEngine) Resolve(tag string, dir Directory) []Destination {
	tagLower := strings.ToLower(tag)
	var dests []Destination

	for _, ref := range r.nodeRoutes[tagLower] {
		if ref == "" {
			continue
		}
		id, ok := dir.NodeID(ref)
		if !ok {
			r.logger.Warn("route_node_unresolved", "dest", ref, "tag", tag)
			continue
		}
		dests = append(dests, Destination{NodeID: id, Channel: -1, WantAck: r.wantAck})
	}

	for _, ref := range r.chanRoutes[tagLower] {
		idx, ok := resolveChannel(ref, dir)
		if !ok {
			r.logger.Warn("route_chan_unresolved", "dest", ref, "tag", tag)
			continue
		}
		dests = append(dests, Destination{Channel: idx, WantAck: false})
	}

	if r.HasRules() {
		return dests
	}

	// no rules configured: tag filter, then the single default destination
	if r.onlyTag != "" && tagLower != r.onlyTag {
		return nil
	}
	if def, ok := r.defaultDestination(dir); ok {
		dests = append(dests, def)
	}
	return dests
}

func (r *RoutingEngine) defaultDestination(dir Directory) (Destination, bool) {
	dest := Destination{Channel: -1, WantAck: r.wantAck}
	configured := false

	switch {
	case r.defaults.NodeID != "":
		dest.NodeID = r.defaults.NodeID
		configured = true
	case r.defaults.NodeName != "":
		id, ok := dir.NodeID(r.defaults.NodeName)
		if !ok {
			r.logger.Warn("default_node_unresolved", "dest", r.defaults.NodeName)
			return Destination{}, false
		}
		dest.NodeID = id
		configured = true
	}

	switch {
	case r.defaults.ChannelIndex >= 0:
		dest.Channel = r.defaults.ChannelIndex
		configured = true
	case r.defaults.ChannelName != "":
		idx, ok := dir.ChannelIndex(r.defaults.ChannelName)
		if !ok {
			r.logger.Warn("default_chan_unresolved", "dest", r.defaults.ChannelName)
			return Destination{}, false
		}
		dest.Channel = idx
		configured = true
	}

	return dest, configured
}

func resolveChannel(ref string, dir Directory) (int, bool) {
	if idx, err := strconv.Atoi(ref); err == nil {
		if idx < 0 {
			return 0, false
		}
		return idx, true
	}
	return dir.ChannelIndex(ref)
}
