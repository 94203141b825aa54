package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/caarlos0/env/v11"

	"github.com/josh-kwaku/eventpay/internal/logging"
	"github.com/josh-kwaku/eventpay/internal/service/webhook"
	"github.com/josh-kwaku/eventpay/internal/signature"
)

// receiverConfig drives a local subscriber for exercising deliveries end to end.
// FailEvery > 0 answers every n-th request with 503 to trigger retries.
type receiverConfig struct {
	Port      int    `env:"RECEIVER_PORT" envDefault:"8081"`
	Secret    string `env:"RECEIVER_SECRET"`
	FailEvery int64  `env:"RECEIVER_FAIL_EVERY" envDefault:"0"`
	AppEnv    string `env:"APP_ENV" envDefault:"development"`
}

func main() {
	cfg, err := env.ParseAs[receiverConfig]()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logging.Init("mock-receiver", "info", cfg.AppEnv)

	var received atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{"status": "ok", "received": received.Load()}); err != nil {
			slog.Error("failed to write health response", "error", err)
		}
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "unreadable body", http.StatusBadRequest)
			return
		}

		log := slog.With(
			"event", r.Header.Get(webhook.HeaderEvent),
			"delivery_id", r.Header.Get(webhook.HeaderDelivery),
			"attempt", r.Header.Get(webhook.HeaderAttempt),
		)

		if cfg.Secret != "" && !signature.Verify(cfg.Secret, body, r.Header.Get(signature.Header)) {
			log.Warn("signature verification failed")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}

		n := received.Add(1)
		if cfg.FailEvery > 0 && n%cfg.FailEvery == 0 {
			log.Info("simulating outage", "request", n)
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
			return
		}

		log.Info("webhook received", "request", n, "bytes", len(body))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"received"}`))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	slog.Info("mock receiver started", "addr", addr, "verifying", cfg.Secret != "")
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
