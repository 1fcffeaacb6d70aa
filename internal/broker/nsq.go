package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path"
	"time"

	"github.com/nsqio/go-nsq"

	"github.com/austindbirch/taskhook/internal/tracing"
)

// publisher is the subset of *nsq.Producer used here.
type publisher interface {
	Publish(topic string, body []byte) error
	DeferredPublish(topic string, delay time.Duration, body []byte) error
	Stop()
}

// NSQ is a self-hosted broker: tasks are published to a topic named after
// the queue and delivered over HTTP by the relay worker.
type NSQ struct {
	prod     publisher
	maxDefer time.Duration
	now      func() time.Time
}

// NewNSQ connects a producer to nsqd and verifies the connection.
// maxDefer should match nsqd's --max-req-timeout; longer delays are
// re-deferred by the relay.
func NewNSQ(nsqdAddr string, maxDefer time.Duration) (*NSQ, error) {
	prod, err := nsq.NewProducer(nsqdAddr, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	if err := prod.Ping(); err != nil {
		prod.Stop()
		return nil, fmt.Errorf("nsq ping: %w", err)
	}
	return newNSQ(prod, maxDefer), nil
}

func newNSQ(prod publisher, maxDefer time.Duration) *NSQ {
	if maxDefer <= 0 {
		maxDefer = time.Hour
	}
	return &NSQ{prod: prod, maxDefer: maxDefer, now: time.Now}
}

// CreateTask implements Broker.
func (n *NSQ) CreateTask(ctx context.Context, queuePath string, req Request) (*Ack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := n.now()
	topic := path.Base(queuePath)
	env := Envelope{
		TaskID:             req.Name,
		Queue:              topic,
		URL:                req.URL,
		Method:             req.Method,
		Headers:            req.Headers,
		Body:               req.Body,
		DispatchDeadlineMS: req.DispatchDeadline.Milliseconds(),
		OIDCServiceAccount: req.OIDCServiceAccount,
		OIDCAudience:       req.OIDCAudience,
		PublishedAt:        now.UTC().Format(time.RFC3339),
		TraceHeaders:       tracing.PropagateTrace(ctx),
	}
	ack := &Ack{Name: req.Name, CreatedAt: now, ScheduleTime: now}

	var delay time.Duration
	if req.ScheduleTime != nil {
		env.ScheduleTime = req.ScheduleTime.UTC().Format(time.RFC3339Nano)
		ack.ScheduleTime = *req.ScheduleTime
		delay = req.ScheduleTime.Sub(now)
	}

	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	if delay > 0 {
		err = n.prod.DeferredPublish(topic, min(delay, n.maxDefer), b)
	} else {
		err = n.prod.Publish(topic, b)
	}
	if err != nil {
		return nil, classifyNSQError(err)
	}
	return ack, nil
}

// Close stops the producer.
func (n *NSQ) Close() error {
	n.prod.Stop()
	return nil
}

func classifyNSQError(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrDeadlineExceeded, err)
	}
	return fmt.Errorf("nsq publish: %w", err)
}
