package opshttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/keithlinneman/linnemanlabs-denylist/internal/denylist"
	"github.com/keithlinneman/linnemanlabs-denylist/internal/log"
)

// PublishResponse reports a manual run.
type PublishResponse struct {
	RunID           string `json:"run_id,omitempty"`
	Version         string `json:"version,omitempty"`
	PreviousVersion string `json:"previous_version,omitempty"`
	Hashes          int    `json:"hashes"`
	Segments        int    `json:"segments"`
	Reclaimed       int    `json:"reclaimed"`
	DurationMs      int64  `json:"duration_ms"`
	ReclaimError    string `json:"reclaim_error,omitempty"`

	Error string `json:"error,omitempty"`
	Phase string `json:"phase,omitempty"`
}

// publishHandler runs a cycle and waits for it. A run already in progress is
// waited out rather than refused. A client that disconnects while queued
// drops its trigger; once the cycle starts it is detached from the request.
func publishHandler(L log.Logger, t Trigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithoutCancel(r.Context())

		// runs outlast the server write timeout
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		L.Info(ctx, "manual publish requested", "remote_addr", r.RemoteAddr)
		res, err := t.TriggerRun(r.Context(), ctx)
		if err != nil && r.Context().Err() != nil {
			L.Info(ctx, "manual publish client disconnected", "remote_addr", r.RemoteAddr)
			return
		}
		if err != nil {
			resp := PublishResponse{Error: err.Error()}
			var re *denylist.RunError
			if errors.As(err, &re) {
				resp.RunID = re.RunID
				resp.Phase = string(re.Phase)
			}
			writeJSON(ctx, L, w, http.StatusInternalServerError, resp)
			return
		}

		resp := PublishResponse{
			RunID:           res.RunID,
			Version:         res.Version,
			PreviousVersion: res.PreviousVersion,
			Hashes:          res.Hashes,
			Segments:        res.Segments,
			Reclaimed:       res.Reclaimed,
			DurationMs:      res.Duration.Milliseconds(),
		}
		if res.ReclaimErr != nil {
			resp.ReclaimError = res.ReclaimErr.Error()
		}
		writeJSON(ctx, L, w, http.StatusOK, resp)
	}
}

func writeJSON(ctx context.Context, L log.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
