package control

import (
	"duet/internal/assets"
)

// MessageType is the closed set of frames exchanged over the control channel.
type MessageType string

const (
	TypeHello      MessageType = "hello"
	TypeAck        MessageType = "ack"
	TypeClockPing  MessageType = "clock.ping"
	TypeClockPong  MessageType = "clock.pong"
	TypeLoad       MessageType = "cmd.load"
	TypeUnload     MessageType = "cmd.unload"
	TypePlay       MessageType = "cmd.play"
	TypeStop       MessageType = "cmd.stop"
	TypeSeek       MessageType = "cmd.seek"
	TypeCrossfade  MessageType = "cmd.crossfade"
	TypeSetGain    MessageType = "cmd.setGain"
	TypeDucking    MessageType = "cmd.ducking"
	TypeTelemetry  MessageType = "telemetry.levels"
	TypeManifest   MessageType = "asset.manifest"
	TypeAssetState MessageType = "asset.state"
)

// Types lists every control message type.
var Types = []MessageType{
	TypeHello, TypeAck, TypeClockPing, TypeClockPong,
	TypeLoad, TypeUnload, TypePlay, TypeStop, TypeSeek, TypeCrossfade, TypeSetGain, TypeDucking,
	TypeTelemetry, TypeManifest, TypeAssetState,
}

func (t MessageType) Known() bool {
	switch t {
	case TypeHello, TypeAck, TypeClockPing, TypeClockPong,
		TypeLoad, TypeUnload, TypePlay, TypeStop, TypeSeek, TypeCrossfade, TypeSetGain, TypeDucking,
		TypeTelemetry, TypeManifest, TypeAssetState:
		return true
	}
	return false
}

// IsCommand reports whether t is a facilitator command.
func (t MessageType) IsCommand() bool {
	switch t {
	case TypeLoad, TypeUnload, TypePlay, TypeStop, TypeSeek, TypeCrossfade, TypeSetGain, TypeDucking:
		return true
	}
	return false
}

type AckPayload struct {
	OK     bool   `json:"ok"`
	ForTxn string `json:"forTxn"`
	Error  string `json:"error,omitempty"`
}

type HelloPayload struct {
	Role    string `json:"role,omitempty"`
	Version int    `json:"version"`
}

// ClockPingPayload and ClockPongPayload carry peer clock readings in
// milliseconds.
type ClockPingPayload struct {
	T0 float64 `json:"t0"`
}

type ClockPongPayload struct {
	T0 float64 `json:"t0"`
	T1 float64 `json:"t1"`
}

// LoadPayload asks the receiver to decode an asset. Source is an optional
// base64 copy of the bytes for peers that do not hold the asset locally.
type LoadPayload struct {
	ID     string `json:"id"`
	SHA256 string `json:"sha256,omitempty"`
	Bytes  int64  `json:"bytes"`
	Source string `json:"source,omitempty"`
}

type UnloadPayload struct {
	ID string `json:"id"`
}

// PlayPayload starts an asset. At is in the sender's clock, milliseconds;
// zero means immediately. Offset is in seconds.
type PlayPayload struct {
	ID     string   `json:"id"`
	At     float64  `json:"at,omitempty"`
	Offset float64  `json:"offset,omitempty"`
	Gain   *float64 `json:"gain,omitempty"`
}

type StopPayload struct {
	ID string `json:"id"`
}

// SeekPayload offset is in seconds.
type SeekPayload struct {
	ID     string  `json:"id"`
	Offset float64 `json:"offset"`
}

// CrossfadePayload duration and toOffset are in seconds, at in the sender's clock,
// milliseconds.
type CrossfadePayload struct {
	FromID   string   `json:"fromId"`
	ToID     string   `json:"toId"`
	Duration float64  `json:"duration"`
	ToOffset *float64 `json:"toOffset,omitempty"`
	At       float64  `json:"at,omitempty"`
}

// SetGainPayload ramp is in seconds.
type SetGainPayload struct {
	ID   string  `json:"id"`
	Gain float64 `json:"gain"`
	Ramp float64 `json:"ramp,omitempty"`
}

type DuckingPayload struct {
	Enabled     bool    `json:"enabled"`
	ThresholdDb float64 `json:"thresholdDb"`
	ReduceDb    float64 `json:"reduceDb"`
	AttackMs    float64 `json:"attackMs"`
	ReleaseMs   float64 `json:"releaseMs"`
}

type TelemetryPayload struct {
	Mic     float64 `json:"mic"`
	Program float64 `json:"program"`
}

type ManifestPayload struct {
	Entries []assets.Entry `json:"entries"`
}

// AssetStatePayload reports a local load state change to the counterpart.
type AssetStatePayload struct {
	ID     string `json:"id"`
	State  string `json:"state"`
	Loaded int64  `json:"loaded"`
	Total  int64  `json:"total"`
}
