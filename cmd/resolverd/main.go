// Command resolverd is the demo entrypoint wiring a Manager to a live
// NATS HashingService and a BoltDB Store, exposing lookups over HTTP.
// It mirrors services/orchestrator/main.go's shape: signal-driven
// context, otelinit tracer/metrics, and a bare http.ServeMux, adapted
// from a single-process workflow runner into a per-workflow FSM host.
// /metrics is registered only when InitMetrics returns an http.Handler;
// its OTLP push setup returns none, so metrics are pushed, not served.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/swarmguard/dockerresolver/internal/hashingservice"
	"github.com/swarmguard/dockerresolver/internal/imageref"
	"github.com/swarmguard/dockerresolver/internal/logging"
	"github.com/swarmguard/dockerresolver/internal/otelinit"
	"github.com/swarmguard/dockerresolver/internal/resolvermgr"
	"github.com/swarmguard/dockerresolver/internal/store"
)

type lookupRequest struct {
	WorkflowID string `json:"workflow_id"`
	Tag        string `json:"tag"`
}

type lookupResponse struct {
	Tag    string `json:"tag"`
	Hash   string `json:"hash,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func main() {
	service := "resolverd"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, promHandler, _ := otelinit.InitMetrics(ctx, service)
	meter := otel.GetMeterProvider().Meter(service)

	natsURL := os.Getenv("DOCKERRESOLVER_NATS_URL")
	if natsURL == "" {
		natsURL = nats.DefaultURL
	}
	nc, err := nats.Connect(natsURL)
	if err != nil {
		slog.Error("nats connect failed", "err", err)
		os.Exit(1)
	}
	defer nc.Drain()

	dbPath := os.Getenv("DOCKERRESOLVER_DB_PATH")
	if dbPath == "" {
		dbPath = "resolver.db"
	}
	st, err := store.Open(store.DefaultConfig(dbPath), slog.Default(), meter)
	if err != nil {
		slog.Error("store open failed", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	hashing := hashingservice.NewDriver(nc, hashingservice.DefaultConfig(), slog.Default(), meter)
	defer hashing.Stop()

	mgr := resolvermgr.New(resolvermgr.DefaultConfig(), hashing, st, slog.Default(), meter)
	defer mgr.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/lookup", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req lookupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		tag, err := imageref.ParseTagId(req.Tag)
		if err != nil {
			http.Error(w, "invalid tag: "+err.Error(), http.StatusBadRequest)
			return
		}

		lookupCtx, cancelLookup := context.WithTimeout(r.Context(), 2*time.Minute)
		defer cancelLookup()

		hash, err := mgr.Lookup(lookupCtx, req.WorkflowID, tag)
		if err != nil {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(lookupResponse{Tag: tag.String(), Reason: err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(lookupResponse{Tag: tag.String(), Hash: hash.String()})
	})

	if promHandler != nil {
		if h, ok := promHandler.(http.Handler); ok {
			mux.Handle("/metrics", h)
		}
	}

	srv := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("service started")
	<-ctx.Done()
	slog.Info("shutdown initiated")

	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}
