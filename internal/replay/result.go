package replay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MessageResult is the outcome of replaying one captured message.
type MessageResult struct {
	Sequence int64
	Method   string
	// ID is the captured id token; nil for notifications.
	ID              json.RawMessage
	OriginalRequest []byte
	// SentMessage is exactly what was written to the transport.
	SentMessage []byte
	// Response is nil for notifications and failures.
	Response []byte
	// Error is empty on success. A JSON-RPC error response is a success
	// here; it is carried in Response.
	Error    string
	Duration time.Duration
}

// OK reports success at the transport level.
func (r MessageResult) OK() bool { return r.Error == "" }

// TimedOut reports whether the response wait expired.
func (r MessageResult) TimedOut() bool { return strings.HasPrefix(r.Error, "timeout after") }

// IsNotification reports a message that expected no response.
func (r MessageResult) IsNotification() bool { return len(r.ID) == 0 }

// Result is one replay run.
type Result struct {
	TargetCommand string
	TargetURL     string
	Results       []MessageResult
	Succeeded     int
	Failed        int
	StartedAt     time.Time
	FinishedAt    time.Time
}

func (r *Result) add(m MessageResult) {
	r.Results = append(r.Results, m)
	if m.OK() {
		r.Succeeded++
	} else {
		r.Failed++
	}
}

func (r *Result) finish() { r.FinishedAt = time.Now().UTC() }

// Total is the number of replayed messages.
func (r *Result) Total() int { return len(r.Results) }

type resultJSON struct {
	Sequence        int64           `json:"sequence"`
	OriginalRequest json.RawMessage `json:"original_request"`
	SentMessage     json.RawMessage `json:"sent_message"`
	Response        json.RawMessage `json:"response"`
	Error           *string         `json:"error"`
	DurationMS      float64         `json:"duration_ms"`
}

type documentJSON struct {
	TargetCommand string       `json:"target_command,omitempty"`
	TargetURL     string       `json:"target_url,omitempty"`
	Results       []resultJSON `json:"results"`
	Succeeded     int          `json:"succeeded"`
	Failed        int          `json:"failed"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    time.Time    `json:"finished_at"`
}

// MarshalJSON renders the replay results document.
func (r *Result) MarshalJSON() ([]byte, error) {
	doc := documentJSON{
		TargetCommand: r.TargetCommand,
		TargetURL:     r.TargetURL,
		Results:       make([]resultJSON, 0, len(r.Results)),
		Succeeded:     r.Succeeded,
		Failed:        r.Failed,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
	}
	for _, m := range r.Results {
		entry := resultJSON{
			Sequence:        m.Sequence,
			OriginalRequest: embed(m.OriginalRequest),
			SentMessage:     embed(m.SentMessage),
			Response:        embed(m.Response),
			DurationMS:      float64(m.Duration.Microseconds()) / 1000,
		}
		if m.Error != "" {
			e := m.Error
			entry.Error = &e
		}
		doc.Results = append(doc.Results, entry)
	}
	return json.Marshal(doc)
}

// embed keeps JSON payloads as JSON and quotes anything else; nil becomes
// null.
func embed(p []byte) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage("null")
	}
	var buf bytes.Buffer
	if json.Valid(p) && json.Compact(&buf, p) == nil {
		return buf.Bytes()
	}
	b, _ := json.Marshal(string(p))
	return b
}

// WriteResults writes r as indented JSON to path.
func WriteResults(path string, r *Result) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode replay results: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write replay results: %w", err)
	}
	return nil
}
