package server

import (
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"jobline/internal/hub"
)

// registerStreams mounts the push channels. They bypass huma since the
// response is an open text/event-stream.
func registerStreams(r chi.Router, cfg Config) {
	mount := func(route string, h *hub.Hub) {
		r.Get(path.Join(cfg.BasePath, route), func(w http.ResponseWriter, req *http.Request) {
			job, _, err := visibleJob(req.Context(), cfg.Engine, chi.URLParam(req, "job_id"))
			if err != nil {
				respondStatusError(w, handleError(err))
				return
			}
			h.Stream(w, req, job.ID, cfg.Heartbeat)
		})
	}
	mount("/jobs/{job_id}/stream", cfg.TaskHub)
	mount("/jobs/{job_id}/review/stream", cfg.ReviewHub)
}
