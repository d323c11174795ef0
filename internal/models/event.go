// Package models defines the shared data model for the detection pipeline:
// the incoming wire event, the enriched record produced by detection, the
// detection rule shape served by the rule store, and the alert delivery
// audit record.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrMissingField indicates a required wire field was absent or empty.
var ErrMissingField = errors.New("missing required field")

// timestampFormats are the accepted textual timestamp layouts, tried in order.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// IncomingEvent is a single LLM API call parsed from the upstream event log.
// Provider and model are normalized to lower case at parse time.
type IncomingEvent struct {
	ID         uuid.UUID         `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	SrcIP      string            `json:"src_ip"`
	Provider   string            `json:"provider"`
	Model      string            `json:"model"`
	Endpoint   string            `json:"endpoint,omitempty"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers,omitempty"`
	Prompt     string            `json:"prompt"`
	DurationMS *int              `json:"duration_ms,omitempty"`
	StatusCode *int              `json:"status_code,omitempty"`
}

// wireEvent is the raw upstream payload. Headers may arrive either as a JSON
// object or as a string containing serialized JSON; unknown fields are ignored.
type wireEvent struct {
	ID         string          `json:"id"`
	Timestamp  string          `json:"timestamp"`
	SrcIP      string          `json:"src_ip"`
	Provider   string          `json:"provider"`
	Model      string          `json:"model"`
	Endpoint   string          `json:"endpoint"`
	Method     string          `json:"method"`
	Headers    json.RawMessage `json:"headers"`
	Prompt     string          `json:"prompt"`
	DurationMS *int            `json:"duration_ms"`
	StatusCode *int            `json:"status_code"`
}

// ParseIncomingEvent decodes a wire payload into an IncomingEvent.
// Messages missing timestamp, src_ip, provider, model or prompt are rejected,
// as are timestamps that match none of the accepted layouts.
func ParseIncomingEvent(data []byte) (*IncomingEvent, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	for name, val := range map[string]string{
		"timestamp": w.Timestamp,
		"src_ip":    w.SrcIP,
		"provider":  w.Provider,
		"model":     w.Model,
		"prompt":    w.Prompt,
	} {
		if strings.TrimSpace(val) == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, name)
		}
	}

	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	if w.ID != "" {
		parsed, err := uuid.Parse(w.ID)
		if err == nil {
			id = parsed
		}
	}

	method := w.Method
	if method == "" {
		method = "POST"
	}

	return &IncomingEvent{
		ID:         id,
		Timestamp:  ts,
		SrcIP:      strings.TrimSpace(w.SrcIP),
		Provider:   strings.ToLower(strings.TrimSpace(w.Provider)),
		Model:      strings.ToLower(strings.TrimSpace(w.Model)),
		Endpoint:   w.Endpoint,
		Method:     method,
		Headers:    parseHeaders(w.Headers),
		Prompt:     w.Prompt,
		DurationMS: w.DurationMS,
		StatusCode: w.StatusCode,
	}, nil
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampFormats {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp %q", s)
}

// parseHeaders accepts an object, a JSON-encoded string, or nothing.
// A string that is not valid JSON yields an empty map rather than an error.
func parseHeaders(raw json.RawMessage) map[string]string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	headers := make(map[string]string)
	if err := json.Unmarshal(raw, &headers); err == nil {
		return headers
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if err := json.Unmarshal([]byte(s), &headers); err != nil {
			return map[string]string{}
		}
		return headers
	}

	return map[string]string{}
}

// HeadersJSON returns the header map serialized for storage, or "" when the
// event carried no headers.
func (e *IncomingEvent) HeadersJSON() string {
	if len(e.Headers) == 0 {
		return ""
	}
	data, err := json.Marshal(e.Headers)
	if err != nil {
		return ""
	}
	return string(data)
}
