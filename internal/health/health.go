package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Status struct {
	OK       bool   `json:"ok"`
	Service  string `json:"service,omitempty"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database,omitempty"`
	Queue    bool   `json:"queue,omitempty"`
}

// HTTPHandler returns an HTTP handler that reports the health status of the
// service. pool may be nil when the service runs on the in-memory store;
// queuePing may be nil when the service does not publish to NSQ.
func HTTPHandler(service string, pool *pgxpool.Pool, queuePing func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Service: service, Message: "ok", Database: true, Queue: true}

		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
			}
		}
		if queuePing != nil {
			if err := queuePing(); err != nil {
				st.OK = false
				st.Message = "queue ping failed"
				st.Queue = false
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
