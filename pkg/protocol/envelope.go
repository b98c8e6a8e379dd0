// Package protocol defines the wire format exchanged on every bus channel.
//
// Every message is a flat Envelope tagged with a correlation id that groups
// all traffic belonging to one logical request. The payload is opaque to the
// core; its meaning is defined entirely by the producing worker kind.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Status classifies an envelope.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusError    Status = "error"
	StatusProgress Status = "progress"
)

// ErrorDetail describes a processing failure carried by an error envelope.
type ErrorDetail struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// DataQuality annotates an aggregated payload with how complete it is.
// Coverage is the fraction of expected worker kinds whose result arrived
// before finalization.
type DataQuality struct {
	Coverage       float64  `json:"coverage"`
	MissingSources []string `json:"missingSources"`
}

// Envelope is the unit exchanged on every channel.
//
// Invariants: a success envelope always carries a non-empty payload; an
// error envelope always carries an ErrorDetail.
type Envelope struct {
	CorrelationID string          `json:"correlationId"`
	Source        string          `json:"sourceKind"`
	Timestamp     time.Time       `json:"timestamp"`
	Status        Status          `json:"status"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Progress      int             `json:"progress,omitempty"`
	Error         *ErrorDetail    `json:"error,omitempty"`
}

// NewCorrelationID generates a fresh correlation id.
func NewCorrelationID() string {
	return uuid.New().String()
}

// NewSuccess builds a success envelope carrying payload.
func NewSuccess(source, correlationID string, payload json.RawMessage) Envelope {
	return Envelope{
		CorrelationID: correlationID,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		Status:        StatusSuccess,
		Payload:       payload,
	}
}

// NewError builds an error envelope from a processing failure.
func NewError(source, correlationID string, err error) Envelope {
	detail := &ErrorDetail{Message: "processing failed"}
	if err != nil {
		detail.Detail = err.Error()
	}
	return Envelope{
		CorrelationID: correlationID,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		Status:        StatusError,
		Error:         detail,
	}
}

// NewProgress builds a progress envelope. pct is clamped to [0, 100].
func NewProgress(source, correlationID string, pct int) Envelope {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return Envelope{
		CorrelationID: correlationID,
		Source:        source,
		Timestamp:     time.Now().UTC(),
		Status:        StatusProgress,
		Progress:      pct,
	}
}

// Validate reports whether the envelope is well-formed enough for a worker
// dispatcher to act on it. Malformed envelopes are dropped at the edge.
func (e Envelope) Validate() error {
	if e.CorrelationID == "" {
		return &ValidationError{Field: "correlationId", Reason: "missing"}
	}
	if e.Source == "" {
		return &ValidationError{Field: "sourceKind", Reason: "missing"}
	}
	switch e.Status {
	case StatusSuccess:
		if !definedPayload(e.Payload) {
			return &ValidationError{Field: "payload", Reason: "success envelope requires a payload"}
		}
	case StatusError:
		if e.Error == nil {
			return &ValidationError{Field: "error", Reason: "error envelope requires an error description"}
		}
	case StatusProgress:
		if e.Progress < 0 || e.Progress > 100 {
			return &ValidationError{Field: "progress", Reason: "progress must be in [0, 100]"}
		}
	default:
		return &ValidationError{Field: "status", Reason: "unknown status " + string(e.Status)}
	}
	return nil
}

// Encode serializes the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire-format envelope. It does not validate; callers that
// dispatch on the result should call Validate themselves.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// definedPayload reports whether raw holds an actual JSON value.
func definedPayload(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// ValidationError describes why an envelope was rejected as malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return "protocol: invalid envelope: " + e.Field + ": " + e.Reason
}
