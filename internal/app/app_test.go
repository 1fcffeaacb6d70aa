package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/taskhook/internal/config"
	"github.com/austindbirch/taskhook/internal/task"
)

func baseConfig() config.Config {
	cfg := config.FromEnv()
	cfg.Tasks.Project = "proj"
	cfg.Tasks.Region = "us-central1"
	cfg.Tasks.Routes = "async=async-tasks-queue@https://worker.example,default=default-queue@https://web.example/"
	return cfg
}

func TestMode(t *testing.T) {
	cfg := baseConfig()
	cfg.Broker.Kind = "nsq"
	assert.Equal(t, "nsq", Mode(cfg))

	cfg.Tasks.Local = true
	assert.Equal(t, "local", Mode(cfg))
}

func TestCloudTasksOptions(t *testing.T) {
	cfg := baseConfig()
	cfg.Broker.Endpoint = ""
	assert.Empty(t, CloudTasksOptions(cfg))

	cfg.Broker.Endpoint = "localhost:8123"
	assert.Len(t, CloudTasksOptions(cfg), 3)
}

func TestNewBroker(t *testing.T) {
	t.Run("local mode has no broker", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Tasks.Local = true
		b, err := NewBroker(context.Background(), cfg)
		require.NoError(t, err)
		assert.Nil(t, b)
	})

	t.Run("unknown kind", func(t *testing.T) {
		cfg := baseConfig()
		cfg.Broker.Kind = "sqs"
		_, err := NewBroker(context.Background(), cfg)
		assert.True(t, errors.Is(err, task.ErrConfiguration))
	})
}

func TestNewRouter(t *testing.T) {
	r, err := NewRouter(baseConfig())
	require.NoError(t, err)

	route, err := r.Resolve(task.PriorityAsync)
	require.NoError(t, err)
	assert.Equal(t, "async-tasks-queue", route.Queue)
	assert.Equal(t, []task.Priority{"async", "default"}, r.Priorities())

	cfg := baseConfig()
	cfg.Tasks.Routes = "async"
	_, err = NewRouter(cfg)
	assert.True(t, errors.Is(err, task.ErrConfiguration))
}

func TestDispatchConfig(t *testing.T) {
	cfg := baseConfig()
	cfg.Server.HandlerPrefix = "/internal/tasks"
	cfg.Tasks.DispatchDeadline = 10 * time.Minute
	cfg.Tasks.OIDCServiceAccount = "tasks@proj.iam.gserviceaccount.com"
	cfg.Auth.OIDCAudience = "https://worker.example"

	dc := DispatchConfig(cfg)
	assert.Equal(t, "/internal/tasks/async/", dc.HandlerPathPrefix)
	assert.Equal(t, "proj", dc.Project)
	assert.Equal(t, "us-central1", dc.Region)
	assert.Equal(t, 10*time.Minute, dc.DispatchDeadline)
	assert.Equal(t, "tasks@proj.iam.gserviceaccount.com", dc.OIDCServiceAccount)
	assert.Equal(t, "https://worker.example", dc.OIDCAudience)
	assert.False(t, dc.Local)
}
