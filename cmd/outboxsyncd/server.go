package main

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"time"

	"github.com/imarsiglia/outboxsync"
)

type progressReader interface {
	Progress(ctx context.Context) (outboxsync.Progress, error)
}

type progressResponse struct {
	Pending    int    `json:"pending"`
	InProgress int    `json:"inProgress"`
	Failed     int    `json:"failed"`
	Succeeded  int    `json:"succeeded"`
	Total      int    `json:"total"`
	Active     bool   `json:"active"`
	Summary    string `json:"summary,omitempty"`
}

func newMux(progress progressReader) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/progress", func(w http.ResponseWriter, r *http.Request) {
		p, err := progress.Progress(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(progressResponse{
			Pending:    p.Pending,
			InProgress: p.InProgress,
			Failed:     p.Failed,
			Succeeded:  p.Succeeded,
			Total:      p.Total,
			Active:     p.Active,
			Summary:    p.FailedSummary(),
		})
	})
	return mux
}

func serveMetrics(ctx context.Context, addr string, progress progressReader, logger outboxsync.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           newMux(progress),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info(ctx, "metrics available at http://%s/debug/vars", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}
