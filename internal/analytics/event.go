// Package analytics exports session lifecycle and smoothing events to Kafka
// for downstream reporting. Best-effort; the core never blocks on it.
package analytics

import "time"

// Event types emitted by the core.
const (
	EventSessionStarted = "session_started"
	EventSessionEnded   = "session_ended"
	EventEMAUpdate      = "ema_update"
)

// Event is one analytics record. Fields are omitted when not applicable to
// the event type.
type Event struct {
	Type       string    `json:"type"`
	Shop       string    `json:"shop"`
	VisitorID  string    `json:"visitorId,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	DurationMS int64     `json:"durationMs,omitempty"`
	PageCount  int       `json:"pageCount,omitempty"`
	AuRaw      int       `json:"auRaw,omitempty"`
	EmaFast    float64   `json:"emaFast,omitempty"`
	EmaSlow    float64   `json:"emaSlow,omitempty"`
	Trend      string    `json:"trend,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}
