package protocol

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/grafioschtrader/gtnet/internal/models"
)

// Envelope is the transport-level protocol message. Direction is assigned
// locally when the envelope is persisted; it never travels on the wire.
type Envelope struct {
	Opcode    int                          `json:"op"`
	Timestamp int64                        `json:"ts"` // Unix ms
	Text      string                       `json:"msg,omitempty"`
	Params    map[string]models.ParamValue `json:"params,omitempty"`
	Payload   json.RawMessage              `json:"payload,omitempty"`
	ReplyTo   string                       `json:"replyTo,omitempty"`
	SourceID  string                       `json:"sourceId,omitempty"`
}

// NewEnvelope creates an envelope stamped with the current time.
func NewEnvelope(opcode int) *Envelope {
	return &Envelope{
		Opcode:    opcode,
		Timestamp: time.Now().UnixMilli(),
		Params:    make(map[string]models.ParamValue),
	}
}

// SetString adds a string parameter.
func (e *Envelope) SetString(name, value string) *Envelope {
	e.Params[name] = models.ParamValue{Type: "string", Value: value}
	return e
}

// SetInt adds an integer parameter.
func (e *Envelope) SetInt(name string, value int) *Envelope {
	e.Params[name] = models.ParamValue{Type: "int", Value: strconv.Itoa(value)}
	return e
}

// SetBool adds a boolean parameter.
func (e *Envelope) SetBool(name string, value bool) *Envelope {
	e.Params[name] = models.ParamValue{Type: "bool", Value: strconv.FormatBool(value)}
	return e
}

// ParamString returns a string parameter value, or "".
func (e *Envelope) ParamString(name string) string {
	if p, ok := e.Params[name]; ok {
		return p.Value
	}
	return ""
}

// ParamInt returns an int parameter value, or 0.
func (e *Envelope) ParamInt(name string) int {
	if p, ok := e.Params[name]; ok {
		if n, err := strconv.Atoi(p.Value); err == nil {
			return n
		}
	}
	return 0
}

// ParamBool returns a bool parameter value, or false.
func (e *Envelope) ParamBool(name string) bool {
	if p, ok := e.Params[name]; ok {
		b, _ := strconv.ParseBool(p.Value)
		return b
	}
	return false
}

// SetPayload marshals v into the opaque payload.
func (e *Envelope) SetPayload(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.Payload = data
	return nil
}

// UnmarshalPayload decodes the opaque payload into v.
func (e *Envelope) UnmarshalPayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}
