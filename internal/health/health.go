package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database,omitempty"`
	Mode     string `json:"mode,omitempty"` // local, cloudtasks, nsq
	Tasks    int    `json:"tasks"`
}

type Options struct {
	DB    Pinger // nil when the journal is disabled
	Mode  string
	Tasks int // registered task count
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Mode: opts.Mode, Tasks: opts.Tasks}
		code := http.StatusOK

		if opts.DB != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := opts.DB.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				code = http.StatusServiceUnavailable
			} else {
				st.Database = true
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	}
}
