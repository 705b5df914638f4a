package hub

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

func WriteFrame(w io.Writer, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func WriteHeartbeat(w io.Writer) error {
	_, err := io.WriteString(w, ": heartbeat\n\n")
	return err
}

// Stream serves jobID's frames as text/event-stream until the client leaves,
// a write fails, or the hub drops the subscriber.
func (h *Hub) Stream(w http.ResponseWriter, r *http.Request, jobID string, heartbeat time.Duration) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sub, err := h.Subscribe(r.Context(), jobID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer h.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case f, ok := <-sub.Frames():
			if !ok {
				return
			}
			if err := WriteFrame(w, f); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if err := WriteHeartbeat(w); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
