package tasks

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/taskhook/internal/broker"
	"github.com/austindbirch/taskhook/internal/dispatch"
	"github.com/austindbirch/taskhook/internal/logging"
	"github.com/austindbirch/taskhook/internal/task"
)

type enqueueCall struct {
	fn     any
	kwargs map[string]any
	opts   int
}

type fakeEnqueuer struct {
	calls []enqueueCall
	err   error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, fn any, kwargs map[string]any, opts ...dispatch.Option) (*broker.Ack, error) {
	f.calls = append(f.calls, enqueueCall{fn: fn, kwargs: kwargs, opts: len(opts)})
	if f.err != nil {
		return nil, f.err
	}
	return &broker.Ack{Name: "projects/p/locations/r/queues/q/tasks/1"}, nil
}

func setup(t *testing.T) (*task.Registry, *fakeEnqueuer, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger := logging.New("tasks-test")
	logger.SetOutput(&buf)
	logger.SetLevel(logging.LevelDebug)

	reg := task.NewRegistry()
	enq := &fakeEnqueuer{}
	require.NoError(t, Register(reg, enq, logger))
	return reg, enq, &buf
}

func TestRegister(t *testing.T) {
	reg, _, _ := setup(t)
	assert.Equal(t, []string{Enqueue, Ping}, reg.Names())

	// registering twice collides on the names
	assert.Error(t, Register(reg, &fakeEnqueuer{}, logging.New("x")))
}

func TestPing(t *testing.T) {
	reg, _, buf := setup(t)
	fn, err := reg.Resolve(Ping)
	require.NoError(t, err)

	require.NoError(t, fn(context.Background(), map[string]any{"from": "cron"}))
	assert.Contains(t, buf.String(), "pong")
	assert.Contains(t, buf.String(), `"from":"cron"`)
}

func TestEnqueue(t *testing.T) {
	tests := []struct {
		name     string
		kwargs   map[string]any
		wantErr  error
		wantOpts int
	}{
		{
			name:   "name only",
			kwargs: map[string]any{"task": "mail.send_email"},
		},
		{
			name: "all options",
			kwargs: map[string]any{
				"task":     "mail.send_email",
				"kwargs":   map[string]any{"to": "a@b.c"},
				"delay":    int64(60),
				"priority": "async",
			},
			wantOpts: 2,
		},
		{
			name:     "json delay",
			kwargs:   map[string]any{"task": "x", "delay": float64(5)},
			wantOpts: 1,
		},
		{name: "missing task", kwargs: map[string]any{}, wantErr: ErrBadArguments},
		{name: "kwargs not a map", kwargs: map[string]any{"task": "x", "kwargs": "nope"}, wantErr: ErrBadArguments},
		{name: "fractional delay", kwargs: map[string]any{"task": "x", "delay": 1.5}, wantErr: ErrBadArguments},
		{name: "string delay", kwargs: map[string]any{"task": "x", "delay": "10"}, wantErr: ErrBadArguments},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, enq, _ := setup(t)
			fn, err := reg.Resolve(Enqueue)
			require.NoError(t, err)

			err = fn(context.Background(), tt.kwargs)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				assert.Empty(t, enq.calls)
				return
			}
			require.NoError(t, err)
			require.Len(t, enq.calls, 1)
			assert.Equal(t, tt.kwargs["task"], enq.calls[0].fn)
			assert.Equal(t, tt.wantOpts, enq.calls[0].opts)
			if want, ok := tt.kwargs["kwargs"]; ok {
				assert.Equal(t, want, enq.calls[0].kwargs)
			}
		})
	}
}

func TestEnqueuePropagatesDispatchError(t *testing.T) {
	reg, enq, _ := setup(t)
	enq.err = task.ErrConfiguration
	fn, err := reg.Resolve(Enqueue)
	require.NoError(t, err)

	err = fn(context.Background(), map[string]any{"task": "x"})
	assert.True(t, errors.Is(err, task.ErrConfiguration))
}
