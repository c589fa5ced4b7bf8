// Package wire implements the subset of the Engine.IO v4 / Socket.IO v4
// protocol spoken by the chat server over a websocket, and the typed payloads
// of its events.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type EnginePacketType byte

const (
	EngineOpen    EnginePacketType = '0'
	EngineClose   EnginePacketType = '1'
	EnginePing    EnginePacketType = '2'
	EnginePong    EnginePacketType = '3'
	EngineMessage EnginePacketType = '4'
	EngineUpgrade EnginePacketType = '5'
	EngineNoop    EnginePacketType = '6'
)

type SocketPacketType byte

const (
	SocketConnect      SocketPacketType = '0'
	SocketDisconnect   SocketPacketType = '1'
	SocketEvent        SocketPacketType = '2'
	SocketAck          SocketPacketType = '3'
	SocketConnectError SocketPacketType = '4'
	SocketBinaryEvent  SocketPacketType = '5'
	SocketBinaryAck    SocketPacketType = '6'
)

const (
	EngineVersion    = "4"
	DefaultNamespace = "/"
	DefaultPath      = "/socket.io/"
)

var (
	ErrEmptyFrame        = errors.New("wire: empty frame")
	ErrUnsupportedScheme = errors.New("wire: unsupported endpoint scheme")
	ErrUnsupportedPacket = errors.New("wire: unsupported packet")
)

// EnginePacket is one Engine.IO packet carried in one websocket text frame.
type EnginePacket struct {
	Type EnginePacketType
	Data []byte
}

func EncodeEngine(p EnginePacket) []byte {
	out := make([]byte, 0, len(p.Data)+1)
	out = append(out, byte(p.Type))
	return append(out, p.Data...)
}

func DecodeEngine(frame []byte) (EnginePacket, error) {
	if len(frame) == 0 {
		return EnginePacket{}, ErrEmptyFrame
	}
	t := EnginePacketType(frame[0])
	if t < EngineOpen || t > EngineNoop {
		return EnginePacket{}, fmt.Errorf("%w: engine type %q", ErrUnsupportedPacket, frame[0])
	}
	return EnginePacket{Type: t, Data: frame[1:]}, nil
}

// OpenPayload is the body of the Engine.IO open packet. Durations are in
// milliseconds on the wire.
type OpenPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// KeepAlive is how long the client waits for any server frame before it
// considers the connection dead.
func (o OpenPayload) KeepAlive() time.Duration {
	return time.Duration(o.PingInterval+o.PingTimeout) * time.Millisecond
}

// SocketPacket is one Socket.IO packet carried inside an Engine.IO message.
type SocketPacket struct {
	Type      SocketPacketType
	Namespace string
	HasAck    bool
	AckID     int
	Data      json.RawMessage
}

func EncodeSocket(p SocketPacket) []byte {
	var b strings.Builder
	b.WriteByte(byte(EngineMessage))
	b.WriteByte(byte(p.Type))
	if p.Namespace != "" && p.Namespace != DefaultNamespace {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.HasAck && (p.Type == SocketEvent || p.Type == SocketAck) {
		b.WriteString(strconv.Itoa(p.AckID))
	}
	b.Write(p.Data)
	return []byte(b.String())
}

// DecodeSocket parses the body of an Engine.IO message packet. Binary
// packets are rejected.
func DecodeSocket(data []byte) (SocketPacket, error) {
	if len(data) == 0 {
		return SocketPacket{}, ErrEmptyFrame
	}
	p := SocketPacket{Type: SocketPacketType(data[0]), Namespace: DefaultNamespace}
	switch p.Type {
	case SocketConnect, SocketDisconnect, SocketEvent, SocketAck, SocketConnectError:
	case SocketBinaryEvent, SocketBinaryAck:
		return SocketPacket{}, fmt.Errorf("%w: binary socket packet", ErrUnsupportedPacket)
	default:
		return SocketPacket{}, fmt.Errorf("%w: socket type %q", ErrUnsupportedPacket, data[0])
	}
	rest := data[1:]

	if len(rest) > 0 && rest[0] == '/' {
		i := strings.IndexByte(string(rest), ',')
		if i < 0 {
			p.Namespace = string(rest)
			return p, nil
		}
		p.Namespace = string(rest[:i])
		rest = rest[i+1:]
	}

	n := 0
	for n < len(rest) && rest[n] >= '0' && rest[n] <= '9' {
		n++
	}
	if n > 0 {
		id, err := strconv.Atoi(string(rest[:n]))
		if err != nil {
			return SocketPacket{}, fmt.Errorf("wire: ack id: %w", err)
		}
		p.HasAck = true
		p.AckID = id
		rest = rest[n:]
	}

	if len(rest) > 0 {
		if !json.Valid(rest) {
			return SocketPacket{}, fmt.Errorf("wire: socket packet data is not valid JSON")
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// EncodeEvent builds the frame for a Socket.IO event on the default namespace.
func EncodeEvent(name string, payload interface{}) ([]byte, error) {
	args := []interface{}{name}
	if payload != nil {
		args = append(args, payload)
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("wire: encode event %s: %w", name, err)
	}
	return EncodeSocket(SocketPacket{Type: SocketEvent, Data: data}), nil
}

// DecodeEvent splits event data into its name and first argument. payload is
// nil when the event carries no argument.
func DecodeEvent(data json.RawMessage) (string, json.RawMessage, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(data, &args); err != nil {
		return "", nil, fmt.Errorf("wire: event data is not an array: %w", err)
	}
	if len(args) == 0 {
		return "", nil, fmt.Errorf("wire: event data is empty")
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil || name == "" {
		return "", nil, fmt.Errorf("wire: event name is not a string")
	}
	if len(args) == 1 {
		return name, nil, nil
	}
	return name, args[1], nil
}

// ConnectError is the body of a Socket.IO CONNECT_ERROR packet.
type ConnectError struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ConnectError) Error() string {
	if e.Message == "" {
		return "connect error"
	}
	return "connect error: " + e.Message
}

// SocketURL turns a server endpoint into the websocket URL of its Socket.IO
// transport.
func SocketURL(endpoint string) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("wire: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" || u.Hostname() == "" {
		return nil, fmt.Errorf("wire: endpoint %q has no host", endpoint)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = DefaultPath
	}
	q := u.Query()
	q.Set("EIO", EngineVersion)
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u, nil
}
