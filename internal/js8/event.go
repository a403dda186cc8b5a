package js8

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is the canonical form of a decoded JS8Call receive event. All
// accepted payload shapes (upper/lower-case keys, nested params/value maps)
// are normalized into it at the boundary so nothing downstream branches on
// key casing.
type Message struct {
	ID          string // correlation id for log lines
	Source      string
	Destination string
	Text        string
	Timestamp   time.Time
}

// UnknownSource is reported when a receive event carries no FROM field.
const UnknownSource = "UNKNOWN"

var (
	callsignPrefixRe = regexp.MustCompile(`^\s*[A-Z0-9/]{3,}:\s*`)
	tagStrictRe      = regexp.MustCompile(`^@(\S+)(?:\s+(.*))?$`)
	tagLooseRe       = regexp.MustCompile(`@(\S+)(?:\s+(.*))?`)
	atCallRe         = regexp.MustCompile(`^@([A-Za-z0-9/]+)\s*(.*)$`)
)

// NormalizeText strips the invisible artifacts JS8Call and the mesh tend to
// carry: non-breaking spaces, zero-width characters, surrounding whitespace.
func NormalizeText(s string) string {
	r := strings.NewReplacer(
		"\u00a0", " ",
		"\u200b", "",
		"\u200c", "",
		"\u200d", "",
	)
	return strings.TrimSpace(r.Replace(s))
}

// StripLeadingCallsign removes one "CALLSIGN: " prefix from directed traffic.
func StripLeadingCallsign(s string) string {
	return callsignPrefixRe.ReplaceAllString(s, "")
}

// ExtractMessage pulls (source, destination, text) out of a decoded JS8Call
// frame. Fields may live at the top level or inside a params/value object,
// under upper- or lower-case keys. Returns false for frames that are not
// receive events or carry no text.
func ExtractMessage(evt map[string]any) (Message, bool) {
	evtType := stringField(evt, "type")
	if evtType == "" {
		evtType = stringField(evt, "event")
	}
	if !strings.HasPrefix(strings.ToUpper(evtType), "RX") {
		return Message{}, false
	}

	from, to, text := payloadFields(evt)
	if text == "" {
		if nested, ok := mapField(evt, "params"); ok {
			from, to, text = payloadFields(nested)
		}
	}
	if text == "" {
		if nested, ok := mapField(evt, "value"); ok {
			from, to, text = payloadFields(nested)
		}
	}
	if text == "" {
		return Message{}, false
	}

	if from == "" {
		from = UnknownSource
	}
	return Message{
		ID:          uuid.NewString(),
		Source:      from,
		Destination: to,
		Text:        text,
		Timestamp:   time.Now(),
	}, true
}

// ParseTag finds an @TAG in text. A leading @TAG is matched exactly; when
// there is none, the first @token anywhere in the text is used instead.
// Returns ok=false when no tag is present at all.
func ParseTag(text string) (tag, body string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if m := tagStrictRe.FindStringSubmatch(trimmed); m != nil {
		return m[1], strings.TrimSpace(m[2]), true
	}
	if m := tagLooseRe.FindStringSubmatch(trimmed); m != nil {
		return m[1], strings.TrimSpace(m[2]), true
	}
	return "", "", false
}

// SplitAtCall splits a leading "@CALL body" into its callsign (upper-cased)
// and body. Returns ok=false when the text does not start with an @.
func SplitAtCall(text string) (call, body string, ok bool) {
	m := atCallRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", "", false
	}
	return strings.ToUpper(m[1]), strings.TrimSpace(m[2]), true
}

func payloadFields(m map[string]any) (from, to, text string) {
	from = firstStringField(m, "FROM", "from")
	to = firstStringField(m, "TO", "to")
	text = NormalizeText(firstStringField(m, "TEXT", "text"))
	return
}

func firstStringField(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func mapField(m map[string]any, key string) (map[string]any, bool) {
	v, ok := m[key].(map[string]any)
	return v, ok
}
