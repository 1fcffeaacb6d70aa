package task

import "errors"

var (
	// ErrConfiguration is returned when a priority has no routing entry.
	ErrConfiguration = errors.New("task: configuration error")

	// ErrMalformedPayload is returned when a body cannot be decoded.
	ErrMalformedPayload = errors.New("task: malformed payload")

	// ErrUnresolvableTask is returned when a task name has no registered function.
	ErrUnresolvableTask = errors.New("task: unresolvable task")
)
