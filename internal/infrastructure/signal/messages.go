package signal

import (
	"encoding/json"
	"fmt"

	"duet/internal/control"
	"duet/internal/core/domain"
	apperrors "duet/pkg/errors"
)

// MessageType is the closed set of frames the relay forwards: WebRTC
// negotiation plus the control protocol frames.
type MessageType string

const (
	TypeSDP MessageType = "sdp"
	TypeICE MessageType = "ice"

	// Server to client only.
	TypeCredentials MessageType = "credentials"
	TypeError       MessageType = "error"
)

func controlType(t control.MessageType) MessageType { return MessageType(t) }

var (
	negotiation = []MessageType{TypeSDP, TypeICE}
	liveness    = []MessageType{
		controlType(control.TypeAck),
		controlType(control.TypeHello),
		controlType(control.TypeClockPing),
		controlType(control.TypeClockPong),
	}
	reports = []MessageType{
		controlType(control.TypeTelemetry),
		controlType(control.TypeAssetState),
	}
	commands = []MessageType{
		controlType(control.TypeLoad),
		controlType(control.TypeUnload),
		controlType(control.TypePlay),
		controlType(control.TypeStop),
		controlType(control.TypeSeek),
		controlType(control.TypeCrossfade),
		controlType(control.TypeSetGain),
		controlType(control.TypeDucking),
		controlType(control.TypeManifest),
	}
)

func allow(groups ...[]MessageType) map[MessageType]bool {
	m := make(map[MessageType]bool)
	for _, g := range groups {
		for _, t := range g {
			m[t] = true
		}
	}
	return m
}

// capabilities is the Role x MessageType table. A listener may only
// negotiate and answer liveness probes.
var capabilities = map[domain.Role]map[MessageType]bool{
	domain.RoleFacilitator: allow(negotiation, liveness, reports, commands),
	domain.RoleExplorer:    allow(negotiation, liveness, reports),
	domain.RoleListener: allow(negotiation, []MessageType{
		controlType(control.TypeAck),
		controlType(control.TypeHello),
		controlType(control.TypeClockPong),
	}),
}

// Known reports whether clients may send t at all.
func (t MessageType) Known() bool {
	if t == TypeSDP || t == TypeICE {
		return true
	}
	return control.MessageType(t).Known()
}

// Allowed reports whether role may send t.
func Allowed(role domain.Role, t MessageType) bool {
	return capabilities[role][t]
}

// frame is an inbound message. Unknown fields are kept verbatim so the
// payload reaches the target untouched.
type frame struct {
	Type   MessageType
	RoomID domain.RoomID
	Target domain.ParticipantID
	fields map[string]json.RawMessage
}

// errorFrame is sent back to the offending sender.
type errorFrame struct {
	Type  MessageType         `json:"type"`
	Code  apperrors.ErrorCode `json:"code"`
	Error string              `json:"error"`
}

func newErrorFrame(err *apperrors.AppError) errorFrame {
	return errorFrame{Type: TypeError, Code: err.Code, Error: err.Message}
}

func stringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func present(fields map[string]json.RawMessage, key string) bool {
	raw, ok := fields[key]
	return ok && string(raw) != "null"
}

// parseFrame decodes data and checks it against the schema of its type.
// Role, room and target checks happen afterwards.
func parseFrame(data []byte) (*frame, *apperrors.AppError) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, apperrors.NewProtocolError("malformed JSON")
	}

	typ, ok := stringField(fields, "type")
	if !ok || typ == "" {
		return nil, apperrors.NewProtocolError("type is required")
	}
	f := &frame{Type: MessageType(typ), fields: fields}
	if !f.Type.Known() {
		return nil, apperrors.NewProtocolError(fmt.Sprintf("unknown message type %q", typ))
	}

	roomID, _ := stringField(fields, "roomId")
	target, _ := stringField(fields, "target")
	f.RoomID = domain.RoomID(roomID)
	f.Target = domain.ParticipantID(target)

	switch f.Type {
	case TypeSDP:
		if !present(fields, "sdp") {
			return f, apperrors.NewValidationError("sdp frame requires sdp")
		}
	case TypeICE:
		if _, ok := fields["candidate"]; !ok {
			return f, apperrors.NewValidationError("ice frame requires candidate")
		}
	case controlType(control.TypeAck):
		var ack control.AckPayload
		if raw, ok := fields["payload"]; !ok || json.Unmarshal(raw, &ack) != nil || ack.ForTxn == "" {
			return f, apperrors.NewValidationError("ack frame requires payload.forTxn")
		}
	default:
		if raw, ok := fields["payload"]; ok && string(raw) != "null" {
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(raw, &obj); err != nil {
				return f, apperrors.NewValidationError("payload must be an object")
			}
		}
	}
	return f, nil
}

// forward renders the frame for the target with from set to the sender.
func (f *frame) forward(from domain.ParticipantID) (json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(f.fields)+1)
	for k, v := range f.fields {
		out[k] = v
	}
	fromJSON, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}
	out["from"] = fromJSON
	return json.Marshal(out)
}
