// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package dualshock

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/creachadair/dualshock/schema"
	"github.com/creachadair/mds/value"
)

// PacketType describes the variant of a packet.
type PacketType string

const (
	PacketInvoke  PacketType = "invoke"  // a call to a remote procedure
	PacketEvent   PacketType = "event"   // an acknowledged fire-and-forget event
	PacketResult  PacketType = "result"  // a successful response
	PacketInvalid PacketType = "invalid" // a schema or refinement failure
	PacketError   PacketType = "error"   // a handler or internal failure
)

// IsRequest reports whether t is a request packet type.
func (t PacketType) IsRequest() bool { return t == PacketInvoke || t == PacketEvent }

// IsResponse reports whether t is a response packet type.
func (t PacketType) IsResponse() bool {
	return t == PacketResult || t == PacketInvalid || t == PacketError
}

// A Packet is the value of one frame exchanged between peers. Its concrete
// type is one of *InvokePacket, *EventPacket, *ResultPacket, *InvalidPacket,
// or *ErrorPacket.
type Packet interface {
	// Type reports the variant of the packet.
	Type() PacketType

	// SerialNumber reports the request serial the packet carries.
	SerialNumber() int64

	// String returns a human-friendly rendering of the packet.
	String() string

	isPacket()
}

// InvokePacket is a request to call the remote procedure Name.
type InvokePacket struct {
	Serial int64
	Name   string
	Args   any // nil if absent
}

// EventPacket delivers an event to the handlers for Name.
type EventPacket struct {
	Serial  int64
	Name    string
	Payload any // nil if absent
}

// ResultPacket is the successful response to a request.
type ResultPacket struct {
	Serial int64
	Data   any
}

// InvalidPacket reports that a request failed validation.
type InvalidPacket struct {
	Serial int64
	Errors []schema.Issue
}

// ErrorPacket reports that a request failed for some reason other than
// validation.
type ErrorPacket struct {
	Serial int64
	Error  ErrorData
}

func (*InvokePacket) Type() PacketType  { return PacketInvoke }
func (*EventPacket) Type() PacketType   { return PacketEvent }
func (*ResultPacket) Type() PacketType  { return PacketResult }
func (*InvalidPacket) Type() PacketType { return PacketInvalid }
func (*ErrorPacket) Type() PacketType   { return PacketError }

func (p *InvokePacket) SerialNumber() int64  { return p.Serial }
func (p *EventPacket) SerialNumber() int64   { return p.Serial }
func (p *ResultPacket) SerialNumber() int64  { return p.Serial }
func (p *InvalidPacket) SerialNumber() int64 { return p.Serial }
func (p *ErrorPacket) SerialNumber() int64   { return p.Serial }

func (*InvokePacket) isPacket()  {}
func (*EventPacket) isPacket()   {}
func (*ResultPacket) isPacket()  {}
func (*InvalidPacket) isPacket() {}
func (*ErrorPacket) isPacket()   {}

func (p *InvokePacket) String() string {
	return fmt.Sprintf("Invoke(serial=%d, name=%q, args=%s)", p.Serial, p.Name, brief(p.Args))
}

func (p *EventPacket) String() string {
	return fmt.Sprintf("Event(serial=%d, name=%q, payload=%s)", p.Serial, p.Name, brief(p.Payload))
}

func (p *ResultPacket) String() string {
	return fmt.Sprintf("Result(serial=%d, data=%s)", p.Serial, brief(p.Data))
}

func (p *InvalidPacket) String() string {
	return fmt.Sprintf("Invalid(serial=%d, errors=%v)", p.Serial, p.Errors)
}

func (p *ErrorPacket) String() string {
	return fmt.Sprintf("Error(serial=%d, code=%q, message=%q)", p.Serial, p.Error.Code, p.Error.Message)
}

// brief renders v as JSON, truncated to a reasonable length for logs.
func brief(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<%T>", v)
	}
	const maxLen = 64
	if len(data) > maxLen {
		return truncate(string(data), maxLen) + "..."
	}
	return string(data)
}

// truncate returns a prefix of a UTF-8 string s, having length no greater than
// n bytes.  If s exceeds this length, it is truncated at a point ≤ n so that
// the result does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}

	// Back up until we find the beginning of a UTF-8 encoding.
	for n > 0 && s[n-1]&0xc0 == 0x80 { // 0x10... is a continuation byte
		n--
	}

	// If we're at the beginning of a multi-byte encoding, back up one more to
	// skip it.
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // 0x11... starts a multibyte encoding
		n--
	}
	return s[:n]
}

// MarshalJSON encodes p in wire format.
func (p *InvokePacket) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Serial int64      `json:"serial"`
		Type   PacketType `json:"type"`
		Name   string     `json:"name"`
		Args   any        `json:"args,omitempty"`
	}{p.Serial, PacketInvoke, p.Name, p.Args})
}

// MarshalJSON encodes p in wire format.
func (p *EventPacket) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Serial  int64      `json:"serial"`
		Type    PacketType `json:"type"`
		Name    string     `json:"name"`
		Payload any        `json:"payload,omitempty"`
	}{p.Serial, PacketEvent, p.Name, p.Payload})
}

// MarshalJSON encodes p in wire format.
func (p *ResultPacket) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Serial int64      `json:"serial"`
		Type   PacketType `json:"type"`
		Data   any        `json:"data"`
	}{p.Serial, PacketResult, p.Data})
}

// MarshalJSON encodes p in wire format.
func (p *InvalidPacket) MarshalJSON() ([]byte, error) {
	errs := value.Cond(p.Errors == nil, []schema.Issue{}, p.Errors)
	return json.Marshal(struct {
		Serial int64          `json:"serial"`
		Type   PacketType     `json:"type"`
		Errors []schema.Issue `json:"errors"`
	}{p.Serial, PacketInvalid, errs})
}

// MarshalJSON encodes p in wire format.
func (p *ErrorPacket) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Serial int64      `json:"serial"`
		Type   PacketType `json:"type"`
		Error  ErrorData  `json:"error"`
	}{p.Serial, PacketError, p.Error})
}

// EncodePacket encodes p as the UTF-8 JSON text of a frame.
func EncodePacket(p Packet) ([]byte, error) {
	if p == nil {
		return nil, errors.New("encode: nil packet")
	}
	return json.Marshal(p)
}

// packetSchema describes the union of packet shapes accepted by DecodePacket.
var packetSchema = schema.MustCompile(`{
  "type": "object",
  "required": ["serial", "type"],
  "properties": {
    "serial": {"type": "integer"},
    "type": {"enum": ["invoke", "event", "result", "invalid", "error"]}
  },
  "allOf": [
    {
      "if": {"properties": {"type": {"enum": ["invoke", "event"]}}},
      "then": {"required": ["name"], "properties": {"name": {"type": "string"}}}
    },
    {
      "if": {"properties": {"type": {"const": "invalid"}}},
      "then": {
        "required": ["errors"],
        "properties": {"errors": {"type": "array", "items": {
          "type": "object",
          "required": ["code", "path", "message"],
          "properties": {
            "code": {"type": "string"},
            "message": {"type": "string"},
            "path": {"type": "array", "items": {"type": ["string", "integer"]}}
          }
        }}}
      }
    },
    {
      "if": {"properties": {"type": {"const": "error"}}},
      "then": {
        "required": ["error"],
        "properties": {"error": {
          "type": "object",
          "required": ["message"],
          "properties": {
            "code": {"type": ["string", "null"]},
            "message": {"type": "string"},
            "stack": {"type": ["string", "null"]}
          }
        }}
      }
    }
  ]
}`)

// envelope is the union of all packet fields, used for decoding.
type envelope struct {
	Serial  json.Number     `json:"serial"`
	Type    PacketType      `json:"type"`
	Name    string          `json:"name"`
	Args    json.RawMessage `json:"args"`
	Payload json.RawMessage `json:"payload"`
	Data    json.RawMessage `json:"data"`
	Errors  []schema.Issue  `json:"errors"`
	Error   *ErrorData      `json:"error"`
}

// DecodePacket decodes a frame into a packet. The frame must be UTF-8 JSON
// text describing one of the five packet variants. Any error reported by
// DecodePacket has concrete type *Error with kind KindProtocol.
func DecodePacket(data []byte) (Packet, error) {
	if !utf8.Valid(data) {
		return nil, decodeError("frame is not valid UTF-8", nil)
	}
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, decodeError("frame is not valid JSON", err)
	}
	if issues := packetSchema.Validate(raw); len(issues) != 0 {
		return nil, decodeError(fmt.Sprintf("malformed packet: %v", issues), nil)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, decodeError("malformed packet", err)
	}
	serial, err := parseSerial(env.Serial)
	if err != nil {
		return nil, decodeError("invalid serial", err)
	}

	switch env.Type {
	case PacketInvoke:
		args, err := decodeValue(env.Args)
		if err != nil {
			return nil, decodeError("invalid args", err)
		}
		return &InvokePacket{Serial: serial, Name: env.Name, Args: args}, nil

	case PacketEvent:
		payload, err := decodeValue(env.Payload)
		if err != nil {
			return nil, decodeError("invalid payload", err)
		}
		return &EventPacket{Serial: serial, Name: env.Name, Payload: payload}, nil

	case PacketResult:
		rdata, err := decodeValue(env.Data)
		if err != nil {
			return nil, decodeError("invalid data", err)
		}
		return &ResultPacket{Serial: serial, Data: rdata}, nil

	case PacketInvalid:
		return &InvalidPacket{Serial: serial, Errors: value.Cond(env.Errors == nil, []schema.Issue{}, env.Errors)}, nil

	case PacketError:
		return &ErrorPacket{Serial: serial, Error: *env.Error}, nil

	default:
		// The packet schema admits only the types above.
		return nil, decodeError(fmt.Sprintf("unknown packet type %q", env.Type), nil)
	}
}

// maxExactSerial is the largest magnitude at which every integer has an exact
// float64 representation.
const maxExactSerial = 1 << 53

// parseSerial converts n to a serial number. Any notation of an integral
// value is accepted, so 7, 7.0, and 7e0 are the same serial.
func parseSerial(n json.Number) (int64, error) {
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.Abs(f) > maxExactSerial {
		return 0, fmt.Errorf("serial %v is not an exact integer", n)
	}
	return int64(f), nil
}

func decodeValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeError(msg string, err error) *Error {
	if err != nil {
		msg += ": " + err.Error()
	}
	return &Error{Kind: KindProtocol, Message: "decode: " + msg, Err: err}
}
