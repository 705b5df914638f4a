package arbiter

import (
	"fmt"
	"strings"
	"sync"

	"jobline/internal/apperr"
	"jobline/internal/config"
	"jobline/internal/domain"
)

// Decision is a proposed dispute resolution.
type Decision struct {
	Resolution domain.Resolution `json:"resolution" enum:"release,revise,refund"`
	Notes      string            `json:"notes"`
	Strategy   string            `json:"strategy"`
}

type Strategy interface {
	Name() string
	Decide(ev Evidence) (Decision, error)
}

// Heuristic decides from the completion ratio, deliverables and marker hits.
// Thresholds may be swapped while serving.
type Heuristic struct {
	mu      sync.RWMutex
	release float64
	refund  float64
	markers []string
}

func NewHeuristic(cfg config.ArbiterConfig) *Heuristic {
	h := &Heuristic{}
	h.Update(cfg)
	return h
}

// Update replaces thresholds and markers.
func (h *Heuristic) Update(cfg config.ArbiterConfig) {
	markers := make([]string, 0, len(cfg.NegativeMarkers))
	for _, m := range cfg.NegativeMarkers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			markers = append(markers, m)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.release = cfg.ReleaseRatio
	h.refund = cfg.RefundRatio
	h.markers = markers
}

// Markers returns the configured negative markers.
func (h *Heuristic) Markers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.markers...)
}

func (h *Heuristic) Name() string { return "heuristic" }

func (h *Heuristic) Decide(ev Evidence) (Decision, error) {
	h.mu.RLock()
	release, refund := h.release, h.refund
	h.mu.RUnlock()

	d := Decision{Strategy: h.Name()}
	switch {
	case ev.CompletionRatio >= release && ev.HasDeliverables && len(ev.MarkerHits) == 0:
		d.Resolution = domain.ResolutionRelease
		d.Notes = fmt.Sprintf("%.0f%% of tasks completed, deliverables present, no complaints in review", ev.CompletionRatio*100)
	case ev.CompletionRatio < refund || !ev.HasDeliverables:
		d.Resolution = domain.ResolutionRefund
		if !ev.HasDeliverables {
			d.Notes = "no deliverables were submitted"
		} else {
			d.Notes = fmt.Sprintf("only %.0f%% of tasks completed", ev.CompletionRatio*100)
		}
	default:
		d.Resolution = domain.ResolutionRevise
		d.Notes = fmt.Sprintf("%.0f%% of tasks completed", ev.CompletionRatio*100)
		if len(ev.MarkerHits) > 0 {
			d.Notes += "; review mentions " + strings.Join(ev.MarkerHits, ", ")
		}
	}
	return d, nil
}

// Manual applies an operator's decision verbatim.
type Manual struct {
	Resolution domain.Resolution
	Notes      string
}

func (m Manual) Name() string { return "manual" }

func (m Manual) Decide(ev Evidence) (Decision, error) {
	if !m.Resolution.Valid() {
		return Decision{}, apperr.ValidationError{Field: "resolution", Reason: "must be one of release, revise, refund"}
	}
	return Decision{Resolution: m.Resolution, Notes: strings.TrimSpace(m.Notes), Strategy: m.Name()}, nil
}
