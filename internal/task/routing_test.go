package task

import (
	"errors"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskID(t *testing.T) {
	hex64 := regexp.MustCompile(`^[0-9a-f]{64}$`)
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewTaskID()
		require.Regexp(t, hex64, id)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestRouterResolve(t *testing.T) {
	r, err := NewRouter(map[Priority]Route{
		PriorityAsync: {Queue: "async-tasks-queue", BaseURL: "https://worker.example.com"},
	})
	require.NoError(t, err)

	rt, err := r.Resolve(PriorityAsync)
	require.NoError(t, err)
	assert.Equal(t, "async-tasks-queue", rt.Queue)
	assert.Equal(t, "https://worker.example.com", rt.BaseURL)

	_, err = r.Resolve("urgent")
	assert.True(t, errors.Is(err, ErrConfiguration))
}

func TestNewRouterRejectsIncompleteRoutes(t *testing.T) {
	tests := []struct {
		name   string
		routes map[Priority]Route
	}{
		{"empty priority", map[Priority]Route{"": {Queue: "q", BaseURL: "http://x"}}},
		{"missing queue", map[Priority]Route{"a": {BaseURL: "http://x"}}},
		{"missing base url", map[Priority]Route{"a": {Queue: "q"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRouter(tt.routes)
			assert.True(t, errors.Is(err, ErrConfiguration))
		})
	}
}

func TestRouterIsImmutable(t *testing.T) {
	src := map[Priority]Route{PriorityAsync: {Queue: "q", BaseURL: "http://x"}}
	r, err := NewRouter(src)
	require.NoError(t, err)

	src["late"] = Route{Queue: "q2", BaseURL: "http://y"}
	_, err = r.Resolve("late")
	assert.Error(t, err)
	assert.Equal(t, []Priority{PriorityAsync}, r.Priorities())
}

func TestQueuePath(t *testing.T) {
	assert.Equal(t,
		"projects/acme/locations/us-central1/queues/async-tasks-queue",
		QueuePath("acme", "us-central1", "async-tasks-queue"))
}
