// Package broker defines the contract the dispatcher needs from a durable
// queue service and ships adapters for Cloud Tasks and NSQ.
package broker

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Header names set on callbacks delivered by a broker.
const (
	QueueNameHeader  = "X-CloudTasks-QueueName"
	TaskNameHeader   = "X-CloudTasks-TaskName"
	RetryCountHeader = "X-CloudTasks-TaskRetryCount"
)

// ErrDeadlineExceeded marks a transient submission timeout.
var ErrDeadlineExceeded = errors.New("broker: deadline exceeded")

// Request describes one task to create on a queue.
type Request struct {
	Name               string // task id, unique per enqueue
	URL                string
	Method             string
	Headers            map[string]string
	Body               []byte
	DispatchDeadline   time.Duration
	ScheduleTime       *time.Time // nil means dispatch immediately
	OIDCServiceAccount string     // optional identity for authenticated callbacks
	OIDCAudience       string     // token audience; the broker defaults it to URL
}

// Ack is the broker's acknowledgement of a created task.
type Ack struct {
	Name         string
	ScheduleTime time.Time
	CreatedAt    time.Time
}

// Broker accepts tasks for later HTTP delivery.
type Broker interface {
	CreateTask(ctx context.Context, queuePath string, req Request) (*Ack, error)
	Close() error
}

// IsDeadlineExceeded reports whether err is a transient submission timeout,
// whether raised locally or returned by a gRPC backend.
func IsDeadlineExceeded(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if s, ok := status.FromError(err); ok && s.Code() == codes.DeadlineExceeded {
		return true
	}
	return false
}
