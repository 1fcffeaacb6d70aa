package broker

import (
	"context"
	"fmt"
	"strings"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	"cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// taskCreator is the subset of the Cloud Tasks client used here.
type taskCreator interface {
	CreateTask(ctx context.Context, req *cloudtaskspb.CreateTaskRequest, opts ...gax.CallOption) (*cloudtaskspb.Task, error)
	Close() error
}

// CloudTasks submits tasks to Google Cloud Tasks.
type CloudTasks struct {
	client taskCreator
}

// NewCloudTasks dials Cloud Tasks once. Call it during start-up and treat an
// error as fatal.
func NewCloudTasks(ctx context.Context, opts ...option.ClientOption) (*CloudTasks, error) {
	opts = append([]option.ClientOption{
		option.WithGRPCDialOption(grpc.WithStatsHandler(otelgrpc.NewClientHandler())),
	}, opts...)
	c, err := cloudtasks.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cloud tasks client: %w", err)
	}
	return &CloudTasks{client: c}, nil
}

// CreateTask implements Broker.
func (c *CloudTasks) CreateTask(ctx context.Context, queuePath string, req Request) (*Ack, error) {
	t, err := c.client.CreateTask(ctx, buildCreateTaskRequest(queuePath, req))
	if err != nil {
		return nil, err
	}
	ack := &Ack{Name: t.GetName()}
	if ts := t.GetScheduleTime(); ts != nil {
		ack.ScheduleTime = ts.AsTime()
	}
	if ts := t.GetCreateTime(); ts != nil {
		ack.CreatedAt = ts.AsTime()
	}
	return ack, nil
}

// Close releases the underlying connection.
func (c *CloudTasks) Close() error {
	return c.client.Close()
}

func buildCreateTaskRequest(queuePath string, req Request) *cloudtaskspb.CreateTaskRequest {
	httpReq := &cloudtaskspb.HttpRequest{
		Url:        req.URL,
		HttpMethod: httpMethod(req.Method),
		Headers:    req.Headers,
		Body:       req.Body,
	}
	if req.OIDCServiceAccount != "" {
		httpReq.AuthorizationHeader = &cloudtaskspb.HttpRequest_OidcToken{
			OidcToken: &cloudtaskspb.OidcToken{
				ServiceAccountEmail: req.OIDCServiceAccount,
				Audience:            req.OIDCAudience,
			},
		}
	}

	t := &cloudtaskspb.Task{
		MessageType: &cloudtaskspb.Task_HttpRequest{HttpRequest: httpReq},
	}
	if req.Name != "" {
		t.Name = queuePath + "/tasks/" + req.Name
	}
	if req.DispatchDeadline > 0 {
		t.DispatchDeadline = durationpb.New(req.DispatchDeadline)
	}
	if req.ScheduleTime != nil {
		t.ScheduleTime = timestamppb.New(*req.ScheduleTime)
	}
	return &cloudtaskspb.CreateTaskRequest{Parent: queuePath, Task: t}
}

func httpMethod(m string) cloudtaskspb.HttpMethod {
	switch strings.ToUpper(m) {
	case "GET":
		return cloudtaskspb.HttpMethod_GET
	case "PUT":
		return cloudtaskspb.HttpMethod_PUT
	case "DELETE":
		return cloudtaskspb.HttpMethod_DELETE
	case "PATCH":
		return cloudtaskspb.HttpMethod_PATCH
	default:
		return cloudtaskspb.HttpMethod_POST
	}
}
