package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Server to client event names.
const (
	EventConnect          = "connect"
	EventDisconnect       = "disconnect"
	EventConnectError     = "connect_error"
	EventPresenceSnapshot = "presence:snapshot"
	EventPresenceOnline   = "presence:online"
	EventPresenceOffline  = "presence:offline"
	EventDMSent           = "dm:sent"
	EventDMMessage        = "dm:message"
)

// Client to server event names.
const (
	EventDMSend = "dm:send"
)

// PayloadError reports an event payload that does not have the expected shape.
type PayloadError struct {
	Event  string
	Reason string
	Err    error
}

func (e *PayloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: malformed %s payload: %s: %v", e.Event, e.Reason, e.Err)
	}
	return fmt.Sprintf("wire: malformed %s payload: %s", e.Event, e.Reason)
}

func (e *PayloadError) Unwrap() error { return e.Err }

func payloadErr(event, reason string, err error) *PayloadError {
	return &PayloadError{Event: event, Reason: reason, Err: err}
}

// NormalizeAddress lowercases a peer address. Peer ids compare case-insensitively.
func NormalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

type PresenceUser struct {
	Address string `json:"address"`
	Online  bool   `json:"online"`
}

type PresenceSnapshot struct {
	Users []PresenceUser `json:"users"`
}

type PresenceDelta struct {
	Address string `json:"address"`
}

func DecodePresenceSnapshot(payload json.RawMessage) (*PresenceSnapshot, error) {
	const ev = EventPresenceSnapshot
	var raw struct {
		Users *[]*struct {
			Address *string `json:"address"`
			Online  *bool   `json:"online"`
		} `json:"users"`
	}
	if err := decodeObject(payload, &raw); err != nil {
		return nil, payloadErr(ev, "decode", err)
	}
	if raw.Users == nil {
		return nil, payloadErr(ev, "users: missing", nil)
	}
	out := &PresenceSnapshot{Users: make([]PresenceUser, 0, len(*raw.Users))}
	for i, u := range *raw.Users {
		if u == nil {
			return nil, payloadErr(ev, fmt.Sprintf("users[%d]: null", i), nil)
		}
		if u.Address == nil || NormalizeAddress(*u.Address) == "" {
			return nil, payloadErr(ev, fmt.Sprintf("users[%d].address: missing", i), nil)
		}
		if u.Online == nil {
			return nil, payloadErr(ev, fmt.Sprintf("users[%d].online: missing", i), nil)
		}
		out.Users = append(out.Users, PresenceUser{Address: NormalizeAddress(*u.Address), Online: *u.Online})
	}
	return out, nil
}

// DecodePresenceDelta decodes the payload of presence:online and presence:offline.
func DecodePresenceDelta(event string, payload json.RawMessage) (*PresenceDelta, error) {
	var raw struct {
		Address *string `json:"address"`
	}
	if err := decodeObject(payload, &raw); err != nil {
		return nil, payloadErr(event, "decode", err)
	}
	if raw.Address == nil || NormalizeAddress(*raw.Address) == "" {
		return nil, payloadErr(event, "address: missing", nil)
	}
	return &PresenceDelta{Address: NormalizeAddress(*raw.Address)}, nil
}

// ChatMessage is a direct message between two addresses. It is never mutated
// after decode.
type ChatMessage struct {
	ID        string
	From      string
	To        string
	Body      string
	Timestamp time.Time // zero when the server sent none

	// Extra holds fields this client does not interpret, verbatim.
	Extra map[string]json.RawMessage
}

// DecodeChatMessage decodes the payload of dm:sent and dm:message.
func DecodeChatMessage(event string, payload json.RawMessage) (*ChatMessage, error) {
	var fields map[string]json.RawMessage
	if err := decodeObject(payload, &fields); err != nil {
		return nil, payloadErr(event, "decode", err)
	}
	if fields == nil {
		return nil, payloadErr(event, "null", nil)
	}

	msg := &ChatMessage{}
	var err error

	if msg.From, err = requiredString(fields, "from"); err != nil {
		return nil, payloadErr(event, "from", err)
	}
	if msg.To, err = requiredString(fields, "to"); err != nil {
		return nil, payloadErr(event, "to", err)
	}
	msg.From = NormalizeAddress(msg.From)
	msg.To = NormalizeAddress(msg.To)

	if v, ok := fields["body"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &msg.Body); err != nil {
			return nil, payloadErr(event, "body", err)
		}
	}
	if v, ok := fields["id"]; ok && !isNull(v) {
		if msg.ID, err = stringOrNumber(v); err != nil {
			return nil, payloadErr(event, "id", err)
		}
	}
	if v, ok := fields["timestamp"]; ok && !isNull(v) {
		if msg.Timestamp, err = parseTimestamp(v); err != nil {
			return nil, payloadErr(event, "timestamp", err)
		}
	}

	for _, k := range []string{"id", "from", "to", "body", "timestamp"} {
		delete(fields, k)
	}
	if len(fields) > 0 {
		msg.Extra = fields
	}
	return msg, nil
}

// MarshalJSON writes the message in the server's shape, timestamp in
// milliseconds since the epoch.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(m.Extra)+5)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.ID != "" {
		out["id"] = m.ID
	}
	out["from"] = m.From
	out["to"] = m.To
	out["body"] = m.Body
	if !m.Timestamp.IsZero() {
		out["timestamp"] = m.Timestamp.UnixNano() / int64(time.Millisecond)
	}
	return json.Marshal(out)
}

// DirectMessage is the payload of dm:send.
type DirectMessage struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

func decodeObject(payload json.RawMessage, v interface{}) error {
	p := bytes.TrimSpace(payload)
	if len(p) == 0 {
		return fmt.Errorf("empty payload")
	}
	if p[0] != '{' {
		return fmt.Errorf("expected JSON object")
	}
	return json.Unmarshal(p, v)
}

func isNull(v json.RawMessage) bool {
	return string(bytes.TrimSpace(v)) == "null"
}

func requiredString(fields map[string]json.RawMessage, key string) (string, error) {
	v, ok := fields[key]
	if !ok || isNull(v) {
		return "", fmt.Errorf("missing")
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", err
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("empty")
	}
	return s, nil
}

func stringOrNumber(v json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return s, nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", fmt.Errorf("expected string or number")
	}
	return n.String(), nil
}

// parseTimestamp accepts milliseconds since the epoch or an RFC 3339 string.
func parseTimestamp(v json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, nil
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.Unix(0, ms*int64(time.Millisecond)), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return time.Time{}, fmt.Errorf("expected number or string")
	}
	if ms, err := n.Int64(); err == nil {
		return time.Unix(0, ms*int64(time.Millisecond)), nil
	}
	ms, err := n.Float64()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, int64(ms*float64(time.Millisecond))), nil
}
