package broker

import "time"

// Envelope is the NSQ message body for one queued task.
type Envelope struct {
	TaskID             string            `json:"task_id"`
	Queue              string            `json:"queue"`
	URL                string            `json:"url"`
	Method             string            `json:"method"`
	Headers            map[string]string `json:"headers,omitempty"`
	Body               []byte            `json:"body"`
	DispatchDeadlineMS int64             `json:"dispatch_deadline_ms"`
	ScheduleTime       string            `json:"schedule_time,omitempty"` // RFC3339Nano
	OIDCServiceAccount string            `json:"oidc_service_account,omitempty"`
	OIDCAudience       string            `json:"oidc_audience,omitempty"`
	Attempt            int               `json:"attempt"`
	PublishedAt        string            `json:"published_at"`            // RFC3339
	TraceHeaders       map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// DispatchDeadline returns the per-attempt callback timeout.
func (e Envelope) DispatchDeadline() time.Duration {
	return time.Duration(e.DispatchDeadlineMS) * time.Millisecond
}

// Due returns when the envelope may first be delivered. A missing or
// unparsable schedule time means immediately.
func (e Envelope) Due() time.Time {
	if e.ScheduleTime == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, e.ScheduleTime)
	if err != nil {
		return time.Time{}
	}
	return t
}

// DLQType tags dead letter records.
const DLQType = "task.dlq"

// DeadLetter is published to the DLQ topic when delivery gives up.
type DeadLetter struct {
	Type       string   `json:"type"`    // "task.dlq"
	Version    string   `json:"version"` // schema version
	At         string   `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason     string   `json:"reason"`
	Attempt    int      `json:"attempt"`
	HTTPStatus int      `json:"http_status,omitempty"`
	LastError  string   `json:"last_error,omitempty"`
	Task       Envelope `json:"task"`
}

// NewDeadLetter snapshots env with the failure details.
func NewDeadLetter(env Envelope, attempt, httpStatus int, lastErr, reason string) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         time.Now().Format(time.RFC3339Nano),
		Reason:     reason,
		Attempt:    attempt,
		HTTPStatus: httpStatus,
		LastError:  lastErr,
		Task:       env,
	}
}
