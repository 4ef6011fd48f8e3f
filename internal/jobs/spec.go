package jobs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/queuectl/queuectl/internal/domain"
)

// EnqueueSpec is the JSON payload accepted by enqueue. Unknown keys are
// rejected. Optional numeric fields are pointers so absence can be told
// apart from an explicit zero.
type EnqueueSpec struct {
	ID         string `json:"id"`
	Command    string `json:"command"`
	Priority   *int   `json:"priority,omitempty"`
	Timeout    *int   `json:"timeout,omitempty"`
	MaxRetries *int   `json:"max_retries,omitempty"`
	RunAt      string `json:"run_at,omitempty"`
}

// ParseEnqueuePayload decodes and validates an enqueue payload.
func ParseEnqueuePayload(payload []byte) (*EnqueueSpec, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()

	var spec EnqueueSpec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after payload", domain.ErrInvalidPayload)
	}

	if strings.TrimSpace(spec.ID) == "" {
		return nil, fmt.Errorf("%w: id is required", domain.ErrInvalidPayload)
	}
	if strings.TrimSpace(spec.Command) == "" {
		return nil, fmt.Errorf("%w: command is required", domain.ErrInvalidPayload)
	}
	if spec.Timeout != nil && *spec.Timeout < 1 {
		return nil, fmt.Errorf("%w: timeout must be >= 1", domain.ErrInvalidPayload)
	}
	if spec.MaxRetries != nil && *spec.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max_retries must be >= 0", domain.ErrInvalidPayload)
	}
	return &spec, nil
}

// runAtLayouts are the accepted run_at formats, tried in order.
var runAtLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseRunAt resolves a run_at value against now. Empty and "now" mean
// immediately; layouts without an offset are taken as UTC.
func ParseRunAt(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" || strings.EqualFold(value, "now") {
		return now, nil
	}
	for _, layout := range runAtLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized run_at %q", domain.ErrInvalidPayload, value)
}
