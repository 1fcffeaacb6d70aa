package journal

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	sql  string
	args []any
}

type fakeExecer struct {
	calls []call
	err   error
}

func (f *fakeExecer) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, call{sql: sql, args: args})
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

func TestStoreRecord(t *testing.T) {
	fake := &fakeExecer{}
	s := NewStore(fake)
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	err := s.Record(context.Background(), Entry{
		TaskID:    "abc",
		TaskName:  "mail.send_email",
		Kind:      "async",
		Status:    "ok",
		Duration:  1500 * time.Millisecond,
		StartedAt: started,
	})
	require.NoError(t, err)
	require.Len(t, fake.calls, 1)

	c := fake.calls[0]
	assert.True(t, strings.Contains(c.sql, "INSERT INTO taskhook.task_runs"))
	assert.Equal(t, "abc", c.args[0])
	assert.Equal(t, "mail.send_email", c.args[1])
	assert.Equal(t, int64(1500), c.args[4])
	assert.Nil(t, c.args[5], "empty error stored as NULL")
	assert.Equal(t, started, c.args[6])
}

func TestStoreRecordError(t *testing.T) {
	fake := &fakeExecer{}
	s := NewStore(fake)

	require.NoError(t, s.Record(context.Background(), Entry{TaskName: "a.b", Status: "error", Error: "boom"}))
	errText, ok := fake.calls[0].args[5].(*string)
	require.True(t, ok)
	assert.Equal(t, "boom", *errText)

	fake.err = errors.New("connection reset")
	err := s.Record(context.Background(), Entry{TaskName: "a.b"})
	assert.ErrorContains(t, err, "journal insert")
}

func TestEnsureSchema(t *testing.T) {
	fake := &fakeExecer{}
	require.NoError(t, NewStore(fake).EnsureSchema(context.Background()))
	assert.Contains(t, fake.calls[0].sql, "CREATE TABLE IF NOT EXISTS taskhook.task_runs")

	fake.err = errors.New("permission denied")
	assert.Error(t, NewStore(fake).EnsureSchema(context.Background()))
}
