package socketio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Engine.IO v4 packet types, first byte of every websocket frame.
const (
	engineOpen    byte = '0'
	engineClose   byte = '1'
	enginePing    byte = '2'
	enginePong    byte = '3'
	engineMessage byte = '4'
	engineUpgrade byte = '5'
	engineNoop    byte = '6'
)

// Socket.IO v5 packet types, carried inside an Engine.IO message.
const (
	packetConnect      byte = '0'
	packetDisconnect   byte = '1'
	packetEvent        byte = '2'
	packetAck          byte = '3'
	packetConnectError byte = '4'
	packetBinaryEvent  byte = '5'
	packetBinaryAck    byte = '6'
)

// handshake is the Engine.IO open packet payload.
type handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// packet is a decoded Socket.IO packet.
type packet struct {
	Type      byte
	Namespace string
	AckID     int
	HasAck    bool
	Data      json.RawMessage
}

type connectData struct {
	SID     string `json:"sid"`
	Message string `json:"message"`
}

func encodeConnect(namespace string, auth interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(engineMessage)
	buf.WriteByte(packetConnect)
	writeNamespace(&buf, namespace)
	if auth != nil {
		data, err := json.Marshal(auth)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal auth: %w", err)
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

func encodeDisconnect(namespace string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(engineMessage)
	buf.WriteByte(packetDisconnect)
	writeNamespace(&buf, namespace)
	return buf.Bytes()
}

func encodeEvent(namespace, name string, payload interface{}) ([]byte, error) {
	args := []interface{}{name}
	if payload != nil {
		args = append(args, payload)
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}

	var buf bytes.Buffer
	buf.WriteByte(engineMessage)
	buf.WriteByte(packetEvent)
	writeNamespace(&buf, namespace)
	buf.Write(data)
	return buf.Bytes(), nil
}

// namespace "/" is implicit on the wire
func writeNamespace(buf *bytes.Buffer, namespace string) {
	if namespace != "" && namespace != "/" {
		buf.WriteString(namespace)
		buf.WriteByte(',')
	}
}

func decodeEngine(frame []byte) (byte, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, fmt.Errorf("empty engine.io frame")
	}
	switch frame[0] {
	case engineOpen, engineClose, enginePing, enginePong, engineMessage, engineUpgrade, engineNoop:
		return frame[0], frame[1:], nil
	default:
		return 0, nil, fmt.Errorf("unknown engine.io packet type %q", frame[0])
	}
}

func decodeHandshake(data []byte) (handshake, error) {
	var hs handshake
	if err := json.Unmarshal(data, &hs); err != nil {
		return hs, fmt.Errorf("invalid engine.io open packet: %w", err)
	}
	if hs.SID == "" {
		return hs, fmt.Errorf("engine.io open packet without sid")
	}
	return hs, nil
}

func decodePacket(data []byte) (packet, error) {
	var p packet
	if len(data) == 0 {
		return p, fmt.Errorf("empty socket.io packet")
	}
	p.Type = data[0]
	if p.Type < packetConnect || p.Type > packetBinaryAck {
		return p, fmt.Errorf("unknown socket.io packet type %q", p.Type)
	}
	rest := data[1:]

	if p.Type == packetBinaryEvent || p.Type == packetBinaryAck {
		return p, fmt.Errorf("binary socket.io packets are not supported")
	}

	p.Namespace = "/"
	if len(rest) > 0 && rest[0] == '/' {
		end := bytes.IndexByte(rest, ',')
		if end < 0 {
			p.Namespace = string(rest)
			rest = nil
		} else {
			p.Namespace = string(rest[:end])
			rest = rest[end+1:]
		}
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(string(rest[:digits]))
		if err != nil {
			return p, fmt.Errorf("invalid ack id: %w", err)
		}
		p.AckID = id
		p.HasAck = true
		rest = rest[digits:]
	}

	if len(rest) > 0 {
		if !json.Valid(rest) {
			return p, fmt.Errorf("invalid socket.io packet data")
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// decodeEventArgs splits an event packet body `["name", payload, ...]`.
// Only the first argument after the name is kept.
func decodeEventArgs(data json.RawMessage) (string, json.RawMessage, error) {
	var args []json.RawMessage
	if err := json.Unmarshal(data, &args); err != nil {
		return "", nil, fmt.Errorf("event data is not an array: %w", err)
	}
	if len(args) == 0 {
		return "", nil, fmt.Errorf("event without name")
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil || name == "" {
		return "", nil, fmt.Errorf("event name is not a string")
	}
	if len(args) == 1 {
		return name, nil, nil
	}
	return name, args[1], nil
}
