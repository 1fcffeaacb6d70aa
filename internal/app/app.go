// Package app turns a config.Config into the components shared by the
// server and taskctl binaries.
package app

import (
	"context"
	"fmt"

	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/austindbirch/taskhook/internal/broker"
	"github.com/austindbirch/taskhook/internal/config"
	"github.com/austindbirch/taskhook/internal/dispatch"
	"github.com/austindbirch/taskhook/internal/task"
)

// Mode names how tasks leave the process: local, cloudtasks or nsq.
func Mode(cfg config.Config) string {
	if cfg.Tasks.Local {
		return "local"
	}
	return cfg.Broker.Kind
}

// CloudTasksOptions returns client options for cfg.Broker. An explicit
// endpoint is treated as an emulator and dialled without credentials.
func CloudTasksOptions(cfg config.Config) []option.ClientOption {
	if cfg.Broker.Endpoint == "" {
		return nil
	}
	return []option.ClientOption{
		option.WithEndpoint(cfg.Broker.Endpoint),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	}
}

// NewBroker connects the configured broker. It returns nil in local mode.
func NewBroker(ctx context.Context, cfg config.Config) (broker.Broker, error) {
	if cfg.Tasks.Local {
		return nil, nil
	}
	switch cfg.Broker.Kind {
	case "cloudtasks":
		return broker.NewCloudTasks(ctx, CloudTasksOptions(cfg)...)
	case "nsq":
		return broker.NewNSQ(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.MaxDefer)
	default:
		return nil, fmt.Errorf("%w: unknown broker %q", task.ErrConfiguration, cfg.Broker.Kind)
	}
}

// NewRouter builds the priority router from TASK_ROUTES.
func NewRouter(cfg config.Config) (*task.Router, error) {
	routes, err := cfg.Routes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", task.ErrConfiguration, err)
	}
	return task.NewRouter(routes)
}

// DispatchConfig maps cfg onto the dispatcher's settings.
func DispatchConfig(cfg config.Config) dispatch.Config {
	return dispatch.Config{
		Project:            cfg.Tasks.Project,
		Region:             cfg.Tasks.Region,
		HandlerPathPrefix:  cfg.Server.HandlerPrefix + "/async/",
		DispatchDeadline:   cfg.Tasks.DispatchDeadline,
		SubmitTimeout:      cfg.Tasks.SubmitTimeout,
		Local:              cfg.Tasks.Local,
		OIDCServiceAccount: cfg.Tasks.OIDCServiceAccount,
		OIDCAudience:       cfg.Auth.OIDCAudience,
	}
}
