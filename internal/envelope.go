package internal

import (
	"encoding/json"
	"net/http"
	"time"
)

// Envelope is the uniform response shape. The presence of Error is the
// discriminator for failure -- a successful search that found nothing still
// carries empty arrays in Data and no Error.
type Envelope struct {
	Data     any            `json:"data"`
	Metadata Metadata       `json:"metadata"`
	Error    *EnvelopeError `json:"error,omitempty"`
}

// Metadata decorates every response.
type Metadata struct {
	Timestamp      string   `json:"timestamp"`
	ProcessingTime int64    `json:"processingTime,omitempty"` // Milliseconds.
	Provider       Provider `json:"provider,omitempty"`
	Cached         *bool    `json:"cached,omitempty"`
}

// EnvelopeError is the serialized error payload.
type EnvelopeError struct {
	Message string         `json:"message"`
	Code    ErrorCode      `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// newMetadata stamps the current wall-clock time.
func newMetadata() Metadata {
	return Metadata{Timestamp: time.Now().UTC().Format(time.RFC3339)}
}

// writeEnvelope serializes an envelope. Cache-status and timing headers are
// the handler's job; this only owns the body and the status code.
func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	if env.Error != nil && env.Error.Code != "" {
		w.Header().Set("X-Error-Code", string(env.Error.Code))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// writeData writes a success envelope.
func writeData(w http.ResponseWriter, data any, md Metadata) {
	writeEnvelope(w, http.StatusOK, Envelope{Data: data, Metadata: md})
}

// writeError writes a failure envelope with the code's mapped status.
func writeError(w http.ResponseWriter, err error) {
	ae := asAPIError(err)
	writeEnvelope(w, ae.Code.Status(), Envelope{
		Data:     nil,
		Metadata: newMetadata(),
		Error:    &EnvelopeError{Message: ae.Message, Code: ae.Code, Details: ae.Details},
	})
}
