package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic string
	delay time.Duration
	body  []byte
}

type fakePublisher struct {
	msgs    []published
	err     error
	stopped bool
}

func (f *fakePublisher) Publish(topic string, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{topic: topic, body: body})
	return nil
}

func (f *fakePublisher) DeferredPublish(topic string, delay time.Duration, body []byte) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{topic: topic, delay: delay, body: body})
	return nil
}

func (f *fakePublisher) Stop() { f.stopped = true }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestNSQCreateTaskImmediate(t *testing.T) {
	fake := &fakePublisher{}
	b := newNSQ(fake, time.Hour)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	ack, err := b.CreateTask(context.Background(), "projects/p/locations/r/queues/async-tasks-queue", Request{
		Name:             "id1",
		URL:              "http://worker/api/tasks/async/a.b",
		Method:           "POST",
		Headers:          map[string]string{QueueNameHeader: "async-tasks-queue"},
		Body:             []byte("payload"),
		DispatchDeadline: 30 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "id1", ack.Name)
	assert.Equal(t, now, ack.ScheduleTime)

	require.Len(t, fake.msgs, 1)
	assert.Equal(t, "async-tasks-queue", fake.msgs[0].topic)
	assert.Zero(t, fake.msgs[0].delay)

	var env Envelope
	require.NoError(t, json.Unmarshal(fake.msgs[0].body, &env))
	assert.Equal(t, "id1", env.TaskID)
	assert.Equal(t, "async-tasks-queue", env.Queue)
	assert.Equal(t, []byte("payload"), env.Body)
	assert.Equal(t, 30*time.Minute, env.DispatchDeadline())
	assert.True(t, env.Due().IsZero())
}

func TestNSQCreateTaskDeferred(t *testing.T) {
	fake := &fakePublisher{}
	b := newNSQ(fake, time.Hour)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	soon := now.Add(60 * time.Second)
	_, err := b.CreateTask(context.Background(), "q", Request{Name: "a", ScheduleTime: &soon})
	require.NoError(t, err)

	later := now.Add(3 * time.Hour)
	_, err = b.CreateTask(context.Background(), "q", Request{Name: "b", ScheduleTime: &later})
	require.NoError(t, err)

	require.Len(t, fake.msgs, 2)
	assert.Equal(t, 60*time.Second, fake.msgs[0].delay)
	assert.Equal(t, time.Hour, fake.msgs[1].delay, "delay capped at max defer")

	var env Envelope
	require.NoError(t, json.Unmarshal(fake.msgs[1].body, &env))
	assert.True(t, later.Equal(env.Due()))
}

func TestNSQCreateTaskErrors(t *testing.T) {
	fake := &fakePublisher{err: timeoutErr{}}
	b := newNSQ(fake, 0)
	_, err := b.CreateTask(context.Background(), "q", Request{Name: "a"})
	assert.True(t, IsDeadlineExceeded(err))

	fake.err = errors.New("E_BAD_TOPIC")
	_, err = b.CreateTask(context.Background(), "q", Request{Name: "a"})
	require.Error(t, err)
	assert.False(t, IsDeadlineExceeded(err))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.CreateTask(ctx, "q", Request{Name: "a"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNSQClose(t *testing.T) {
	fake := &fakePublisher{}
	require.NoError(t, newNSQ(fake, 0).Close())
	assert.True(t, fake.stopped)
}

func TestNewDeadLetter(t *testing.T) {
	env := Envelope{TaskID: "id", Queue: "q"}
	dl := NewDeadLetter(env, 6, 500, "boom", "max attempts reached (6)")
	assert.Equal(t, DLQType, dl.Type)
	assert.Equal(t, "v1", dl.Version)
	assert.Equal(t, 6, dl.Attempt)
	assert.Equal(t, 500, dl.HTTPStatus)
	assert.Equal(t, env, dl.Task)
	_, err := time.Parse(time.RFC3339Nano, dl.At)
	assert.NoError(t, err)
}
