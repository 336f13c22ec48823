package ipc

import (
	"encoding/json"
	"fmt"

	gojson "github.com/goccy/go-json"
)

// targetMaster is the reserved target literal meaning "deliver to the
// master's own listeners, not any worker".
const targetMaster = "master"

// Envelope is the single on-wire frame exchanged by every peer.
//
// Target is nil for a broadcast, the literal "master" for a master-local
// delivery, or any other string for a label-addressed send. RequestID and
// ResponseID are never both set by the originator; a responder may stamp a
// fresh RequestID on its own response to start a follow-up exchange.
type Envelope struct {
	Type       string          `json:"type,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Target     *string         `json:"target,omitempty"`
	ResponseID string          `json:"response_id,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	From       string          `json:"from,omitempty"`
}

// IsBroadcast reports whether the envelope carries no target.
func (e *Envelope) IsBroadcast() bool { return e.Target == nil }

// IsMasterOnly reports whether the envelope targets the master alone.
func (e *Envelope) IsMasterOnly() bool { return e.Target != nil && *e.Target == targetMaster }

// Label returns the label this envelope addresses, if any.
func (e *Envelope) Label() (string, bool) {
	if e.Target == nil || *e.Target == targetMaster {
		return "", false
	}
	return *e.Target, true
}

// Unmarshal decodes the envelope's Data field into v.
func (e *Envelope) Unmarshal(v interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// TargetMaster builds a target pointer for the literal "master".
func TargetMaster() *string {
	m := targetMaster
	return &m
}

// TargetLabel builds a target pointer addressing the given label. An empty
// label is never valid (see §3 of the envelope contract) and panics, since
// it indicates a programming error at the call site rather than a runtime
// condition.
func TargetLabel(label string) *string {
	if label == "" {
		panic("ipc: empty label is not a valid target")
	}
	return &label
}

// newData marshals v (nil-safe) into a json.RawMessage using the envelope
// codec's fast path.
func newData(v interface{}) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := gojson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("ipc: marshal data: %w", err)
	}
	return b, nil
}

// encodeEnvelope renders an envelope to its wire form. goccy/go-json is
// used as the fast encoder; it is a drop-in for encoding/json's struct tag
// semantics so the output is byte-identical to what the standard encoder
// would produce for any value accepted here.
func encodeEnvelope(e *Envelope) ([]byte, error) {
	b, err := gojson.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("ipc: encode envelope: %w", err)
	}
	return b, nil
}

// decodeEnvelope parses a wire frame into an Envelope. It prefers the
// faster goccy decoder and falls back to the standard library decoder if
// the fast path errors, so a frame is only rejected as BadEnvelope when
// both decoders agree it is malformed. Unknown fields are ignored by both
// decoders, matching §4.1's tolerance requirement.
func decodeEnvelope(b []byte) (*Envelope, error) {
	var e Envelope
	fastErr := gojson.Unmarshal(b, &e)
	if fastErr == nil {
		return &e, nil
	}
	var stdErr error
	e = Envelope{}
	if stdErr = json.Unmarshal(b, &e); stdErr == nil {
		return &e, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, stdErr)
}
