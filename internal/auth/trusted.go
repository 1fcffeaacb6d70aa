// Package auth decides whether an inbound task request comes from a trusted
// caller: the cron scheduler, the task broker, or a holder of a signed OIDC
// token.
package auth

import (
	"net/http"

	"github.com/austindbirch/taskhook/internal/broker"
)

const (
	// SchedulerHeader is set by the cron scheduler on every trigger.
	SchedulerHeader = "X-CloudScheduler"
	// BrokerHeader is set by the task broker on every callback.
	BrokerHeader = broker.QueueNameHeader
)

// IsTrustedScheduler reports whether r carries the scheduler header with
// exactly the configured token.
func IsTrustedScheduler(r *http.Request, token string) bool {
	return token != "" && r.Header.Get(SchedulerHeader) == token
}

// IsTrustedBroker reports whether r carries a non-empty queue name header.
// Any value is accepted; pair it with a TokenVerifier when the endpoint is
// reachable from outside the broker.
func IsTrustedBroker(r *http.Request) bool {
	return r.Header.Get(BrokerHeader) != ""
}
