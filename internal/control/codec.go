package control

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Envelope is one decoded control frame. Payload stays in the codec's wire
// format until a handler asks for it.
type Envelope struct {
	Type    MessageType
	Txn     string
	SentAt  float64
	Payload []byte

	codec Codec
}

// Decode unmarshals the payload into v. An absent payload leaves v untouched.
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := e.codec.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Type, err)
	}
	return nil
}

// Codec converts envelopes to and from wire frames.
type Codec interface {
	Name() string
	// Binary reports whether frames must be sent as binary messages.
	Binary() bool
	Encode(typ MessageType, txn string, sentAt float64, payload interface{}) ([]byte, error)
	Decode(data []byte) (*Envelope, error)
	Unmarshal(data []byte, v interface{}) error
}

// CodecByName returns the codec registered under name ("json" or "msgpack").
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}

type jsonFrame struct {
	Type    MessageType     `json:"type"`
	Txn     string          `json:"txn,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  float64         `json:"sentAt"`
}

// JSONCodec is the default text codec, compatible with browser peers.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }
func (JSONCodec) Binary() bool { return false }

func (JSONCodec) Encode(typ MessageType, txn string, sentAt float64, payload interface{}) ([]byte, error) {
	frame := jsonFrame{Type: typ, Txn: txn, SentAt: sentAt}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", typ, err)
		}
		frame.Payload = raw
	}
	return json.Marshal(frame)
}

func (c JSONCodec) Decode(data []byte) (*Envelope, error) {
	var frame jsonFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("malformed frame: missing type")
	}
	return &Envelope{Type: frame.Type, Txn: frame.Txn, SentAt: frame.SentAt, Payload: frame.Payload, codec: c}, nil
}

func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

type msgpackFrame struct {
	Type    MessageType        `json:"type"`
	Txn     string             `json:"txn,omitempty"`
	Payload msgpack.RawMessage `json:"payload,omitempty"`
	SentAt  float64            `json:"sentAt"`
}

// MsgpackCodec is a compact binary codec for peers that both speak it.
// Struct fields are keyed by their json tags so both codecs share one
// payload vocabulary.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }
func (MsgpackCodec) Binary() bool { return true }

func (MsgpackCodec) Encode(typ MessageType, txn string, sentAt float64, payload interface{}) ([]byte, error) {
	frame := msgpackFrame{Type: typ, Txn: txn, SentAt: sentAt}
	if payload != nil {
		raw, err := msgpackMarshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", typ, err)
		}
		frame.Payload = raw
	}
	return msgpackMarshal(frame)
}

func (c MsgpackCodec) Decode(data []byte) (*Envelope, error) {
	var frame msgpackFrame
	if err := msgpackUnmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if frame.Type == "" {
		return nil, fmt.Errorf("malformed frame: missing type")
	}
	return &Envelope{Type: frame.Type, Txn: frame.Txn, SentAt: frame.SentAt, Payload: frame.Payload, codec: c}, nil
}

func (MsgpackCodec) Unmarshal(data []byte, v interface{}) error {
	return msgpackUnmarshal(data, v)
}

func msgpackMarshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func msgpackUnmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}
