package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync/atomic"

	"github.com/abickford/relay_hook/internal/a2a"
	"github.com/abickford/relay_hook/internal/config"
)

// fake-callback is a development sink for the notifier's caller pushes.
// Register its /notify URL as the caller callback and it will log each
// delivered outcome. FAKE_CALLBACK_FAIL_FIRST_N rejects the first N
// deliveries with a 500 to exercise the notifier's retry and DLQ paths,
// and FAKE_CALLBACK_TOKEN enforces the notification token header.

var reqCount atomic.Int64

func main() {
	cfg := config.FromEnv()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/notify", func(w http.ResponseWriter, r *http.Request) {
		handleNotify(w, r, cfg)
	})

	log.Printf("fake-callback listening on %s", cfg.FakeCallback.Port)
	log.Fatal(http.ListenAndServe(cfg.FakeCallback.Port, mux))
}

func handleNotify(w http.ResponseWriter, r *http.Request, cfg config.Config) {
	n := reqCount.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if cfg.FakeCallback.Token != "" {
		if got := r.Header.Get(cfg.NSQ.TokenHeader); got != cfg.FakeCallback.Token {
			log.Printf("fake-callback rejected delivery: notification token mismatch")
			http.Error(w, "invalid notification token", http.StatusUnauthorized)
			return
		}
	}

	// Simulate flakiness: first N deliveries -> 500
	if n <= int64(cfg.FakeCallback.FailFirstN) {
		log.Printf("FAILING (%d/%d) %s body=%s", n, cfg.FakeCallback.FailFirstN, r.URL.Path, truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	var task a2a.Task
	if err := json.Unmarshal(b, &task); err == nil && task.ID != "" {
		log.Printf("fake-callback OK task=%s state=%s body=%q", task.ID, task.Status.State, truncate(string(b), 160))
	} else {
		log.Printf("fake-callback OK %s body=%q", r.URL.Path, truncate(string(b), 160))
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
