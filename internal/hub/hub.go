// Package hub fans job-scoped frames out to connected observers.
package hub

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	FrameConnected = "connected"
	defaultBuffer  = 32
)

type Frame struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
	Data  any    `json:"data,omitempty"`
	TS    string `json:"ts"`
}

// HistoryFunc returns frames replayed to a new subscriber after "connected".
type HistoryFunc func(ctx context.Context, jobID string) ([]Frame, error)

type Subscriber struct {
	JobID string
	ch    chan Frame
	once  sync.Once
}

// Frames is closed when the subscriber is removed from the hub.
func (s *Subscriber) Frames() <-chan Frame { return s.ch }

func (s *Subscriber) close() { s.once.Do(func() { close(s.ch) }) }

// Hub is a per-job subscriber registry. One instance serves one surface.
type Hub struct {
	Name    string
	Buffer  int
	History HistoryFunc
	Logger  *log.Logger
	Now     func() time.Time

	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}
}

func New(name string, buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{Name: name, Buffer: buffer, Now: time.Now, subs: map[string]map[*Subscriber]struct{}{}}
}

func (h *Hub) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Hub) logger() *log.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return log.Default()
}

func (h *Hub) frame(jobID, typ string, data any) Frame {
	return Frame{Type: typ, JobID: jobID, Data: data, TS: h.now().UTC().Format(time.RFC3339Nano)}
}

// Subscribe registers a subscriber for jobID. Its channel already holds the
// connected frame followed by the replayed history. History is read before
// the hub lock is taken so a slow replay never stalls Publish.
func (h *Hub) Subscribe(ctx context.Context, jobID string) (*Subscriber, error) {
	var history []Frame
	if h.History != nil {
		var err error
		history, err = h.History(ctx, jobID)
		if err != nil {
			return nil, err
		}
	}
	sub := &Subscriber{JobID: jobID, ch: make(chan Frame, h.Buffer+len(history)+1)}
	sub.ch <- h.frame(jobID, FrameConnected, map[string]any{"hub": h.Name})
	for _, f := range history {
		sub.ch <- f
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs == nil {
		h.subs = map[string]map[*Subscriber]struct{}{}
	}
	set, ok := h.subs[jobID]
	if !ok {
		set = map[*Subscriber]struct{}{}
		h.subs[jobID] = set
	}
	set[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe removes sub and prunes the job's set when it empties.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscriber) {
	if set, ok := h.subs[sub.JobID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.JobID)
		}
	}
	sub.close()
}

// Publish delivers a frame to every subscriber of jobID without blocking.
// A subscriber whose buffer is full is dropped.
func (h *Hub) Publish(jobID, frameType string, data any) {
	f := h.frame(jobID, frameType, data)
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[jobID] {
		select {
		case sub.ch <- f:
		default:
			h.logger().Printf("hub %s: dropping slow subscriber on job %s", h.Name, jobID)
			h.removeLocked(sub)
		}
	}
}

// Count returns the number of subscribers for jobID.
func (h *Hub) Count(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}

// Jobs returns the number of jobs with at least one subscriber.
func (h *Hub) Jobs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.subs {
		for sub := range set {
			sub.close()
		}
	}
	h.subs = map[string]map[*Subscriber]struct{}{}
}
