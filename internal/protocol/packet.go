// Package protocol implements the framed event protocol spoken between the
// relay gateway and its clients. An outer framing byte carries low-level
// control (open/ping/pong/message); message frames wrap an inner packet whose
// first character encodes the packet type, followed by a namespace path and a
// JSON array of [eventName, payload, optional ackId].
//
// The codec is transport-agnostic: it deals in byte slices only. Only the
// packet types actually used by the platform are implemented; this is a
// deliberate subset.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// FrameType is the outer framing byte of every text frame on the wire.
type FrameType byte

const (
	FrameOpen    FrameType = '0' // server hello carrying heartbeat parameters
	FramePing    FrameType = '2' // transport-level ping
	FramePong    FrameType = '3' // transport-level pong
	FrameMessage FrameType = '4' // wraps an inner packet
)

// PacketType discriminates the inner packet of a message frame.
type PacketType int

const (
	PacketConnect    PacketType = 0
	PacketDisconnect PacketType = 1
	PacketEvent      PacketType = 2
	PacketAck        PacketType = 3
	PacketError      PacketType = 4
)

func (t PacketType) String() string {
	switch t {
	case PacketConnect:
		return "CONNECT"
	case PacketDisconnect:
		return "DISCONNECT"
	case PacketEvent:
		return "EVENT"
	case PacketAck:
		return "ACK"
	case PacketError:
		return "ERROR"
	}
	return fmt.Sprintf("UNKNOWN(%d)", int(t))
}

// ErrMalformedFrame is returned for any frame the codec cannot decode.
// Callers drop such frames silently; the connection stays up.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// Packet is one decoded unit of wire data.
//
// Field usage by type:
//
//	CONNECT    Data = handshake JSON
//	DISCONNECT (no body)
//	EVENT      Event, Data, optional AckID
//	ACK        AckID (required), Data = ack payload
//	ERROR      Data = error JSON {code, message}
type Packet struct {
	Type      PacketType
	Namespace string
	Event     string
	Data      json.RawMessage
	AckID     int64
	HasAck    bool
}

// OpenPayload is the body of the FrameOpen hello sent once after upgrade.
type OpenPayload struct {
	PingIntervalMs int64 `json:"pingIntervalMs"`
	PingTimeoutMs  int64 `json:"pingTimeoutMs"`
}

// EncodeFrame wraps an already-encoded packet (or nil for control frames)
// in the outer framing byte.
func EncodeFrame(ft FrameType, body []byte) []byte {
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(ft))
	return append(out, body...)
}

// DecodeFrame splits a raw text frame into framing byte and body.
func DecodeFrame(raw []byte) (FrameType, []byte, error) {
	if len(raw) == 0 {
		return 0, nil, ErrMalformedFrame
	}
	ft := FrameType(raw[0])
	switch ft {
	case FrameOpen, FramePing, FramePong, FrameMessage:
		return ft, raw[1:], nil
	}
	return 0, nil, ErrMalformedFrame
}

// Encode serializes a packet into the inner wire form:
//
//	<type digit><namespace>,<body>
//
// EVENT bodies are the JSON array [event, payload] or [event, payload, ackId].
// ACK bodies are [ackId, payload].
func (p Packet) Encode() ([]byte, error) {
	if p.Type < PacketConnect || p.Type > PacketError {
		return nil, fmt.Errorf("protocol: cannot encode packet type %d", p.Type)
	}
	var buf bytes.Buffer
	buf.WriteByte(byte('0' + p.Type))
	buf.WriteString(p.Namespace)
	buf.WriteByte(',')

	switch p.Type {
	case PacketConnect, PacketError:
		if len(p.Data) > 0 {
			buf.Write(p.Data)
		}
	case PacketDisconnect:
		// no body
	case PacketEvent:
		if p.Event == "" {
			return nil, fmt.Errorf("protocol: EVENT packet without event name")
		}
		arr := []json.RawMessage{mustJSONString(p.Event), payloadOrNull(p.Data)}
		if p.HasAck {
			arr = append(arr, json.RawMessage(strconv.FormatInt(p.AckID, 10)))
		}
		body, err := json.Marshal(arr)
		if err != nil {
			return nil, err
		}
		buf.Write(body)
	case PacketAck:
		arr := []json.RawMessage{
			json.RawMessage(strconv.FormatInt(p.AckID, 10)),
			payloadOrNull(p.Data),
		}
		body, err := json.Marshal(arr)
		if err != nil {
			return nil, err
		}
		buf.Write(body)
	}
	return buf.Bytes(), nil
}

// EncodeMessage is a convenience wrapping Encode in a message frame.
func (p Packet) EncodeMessage() ([]byte, error) {
	body, err := p.Encode()
	if err != nil {
		return nil, err
	}
	return EncodeFrame(FrameMessage, body), nil
}

// Decode parses the inner packet of a message frame.
func Decode(body []byte) (Packet, error) {
	if len(body) == 0 {
		return Packet{}, ErrMalformedFrame
	}
	t := int(body[0] - '0')
	if t < int(PacketConnect) || t > int(PacketError) {
		return Packet{}, ErrMalformedFrame
	}
	p := Packet{Type: PacketType(t)}

	rest := body[1:]
	comma := bytes.IndexByte(rest, ',')
	if comma < 0 {
		return Packet{}, ErrMalformedFrame
	}
	p.Namespace = string(rest[:comma])
	if p.Namespace == "" || p.Namespace[0] != '/' {
		return Packet{}, ErrMalformedFrame
	}
	payload := rest[comma+1:]

	switch p.Type {
	case PacketConnect, PacketError:
		if len(payload) > 0 {
			if !json.Valid(payload) {
				return Packet{}, ErrMalformedFrame
			}
			p.Data = json.RawMessage(payload)
		}
	case PacketDisconnect:
		if len(payload) > 0 {
			return Packet{}, ErrMalformedFrame
		}
	case PacketEvent:
		var arr []json.RawMessage
		if err := json.Unmarshal(payload, &arr); err != nil || len(arr) < 2 || len(arr) > 3 {
			return Packet{}, ErrMalformedFrame
		}
		if err := json.Unmarshal(arr[0], &p.Event); err != nil || p.Event == "" {
			return Packet{}, ErrMalformedFrame
		}
		p.Data = arr[1]
		if len(arr) == 3 {
			id, err := strconv.ParseInt(string(arr[2]), 10, 64)
			if err != nil {
				return Packet{}, ErrMalformedFrame
			}
			p.AckID = id
			p.HasAck = true
		}
	case PacketAck:
		var arr []json.RawMessage
		if err := json.Unmarshal(payload, &arr); err != nil || len(arr) != 2 {
			return Packet{}, ErrMalformedFrame
		}
		id, err := strconv.ParseInt(string(arr[0]), 10, 64)
		if err != nil {
			return Packet{}, ErrMalformedFrame
		}
		p.AckID = id
		p.HasAck = true
		p.Data = arr[1]
	}
	return p, nil
}

func payloadOrNull(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	return data
}

func mustJSONString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
