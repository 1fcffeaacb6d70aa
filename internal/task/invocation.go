package task

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// Invocation describes one unit of deferred work.
type Invocation struct {
	TaskID       string
	Name         string
	Kwargs       map[string]any
	TraceHeaders map[string]string // OTel propagation headers
}

// NewTaskID returns two random UUIDs rendered as one 64 character hex string.
func NewTaskID() string {
	a, b := uuid.New(), uuid.New()
	return hex.EncodeToString(a[:]) + hex.EncodeToString(b[:])
}
