package task

import (
	"fmt"
	"sort"
)

// Priority names a queue class.
type Priority string

// PriorityAsync is the background queue used for delayed jobs and fan-out work.
const PriorityAsync Priority = "async"

// Route is where tasks of one priority are sent: the broker queue and the
// base URL of the service that executes them.
type Route struct {
	Queue   string
	BaseURL string
}

// Router resolves priorities to routes. It is immutable once built.
type Router struct {
	routes map[Priority]Route
}

// NewRouter copies routes into a new Router.
func NewRouter(routes map[Priority]Route) (*Router, error) {
	r := &Router{routes: make(map[Priority]Route, len(routes))}
	for p, rt := range routes {
		if p == "" || rt.Queue == "" || rt.BaseURL == "" {
			return nil, fmt.Errorf("%w: incomplete route for priority %q", ErrConfiguration, p)
		}
		r.routes[p] = rt
	}
	return r, nil
}

// Resolve returns the route registered for p.
func (r *Router) Resolve(p Priority) (Route, error) {
	rt, ok := r.routes[p]
	if !ok {
		return Route{}, fmt.Errorf("%w: unknown priority %q", ErrConfiguration, p)
	}
	return rt, nil
}

// Priorities returns the registered priorities in sorted order.
func (r *Router) Priorities() []Priority {
	out := make([]Priority, 0, len(r.routes))
	for p := range r.routes {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// QueuePath builds the fully qualified broker queue path.
func QueuePath(project, region, queue string) string {
	return fmt.Sprintf("projects/%s/locations/%s/queues/%s", project, region, queue)
}
