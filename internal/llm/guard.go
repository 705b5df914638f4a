package llm

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCoolingDown is returned while the guard is open.
var ErrCoolingDown = errors.New("text provider cooling down after repeated failures")

// Guard disables calls for a cooldown after maxFailures consecutive failures.
type Guard struct {
	mu            sync.Mutex
	maxFailures   int
	cooldown      time.Duration
	failures      int
	disabledUntil time.Time
	now           func() time.Time
}

func NewGuard(maxFailures int, cooldown time.Duration) *Guard {
	return &Guard{maxFailures: maxFailures, cooldown: cooldown, now: time.Now}
}

func (g *Guard) Allow() bool {
	if g == nil {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disabledUntil.IsZero() || g.now().After(g.disabledUntil)
}

func (g *Guard) RecordFailure() {
	if g == nil || g.maxFailures <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
	if g.failures >= g.maxFailures {
		g.disabledUntil = g.now().Add(g.cooldown)
	}
}

func (g *Guard) RecordSuccess() {
	if g == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
	g.disabledUntil = time.Time{}
}

func (g *Guard) DisabledUntil() time.Time {
	if g == nil {
		return time.Time{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disabledUntil
}

// Guarded wraps a Client with a Guard.
type Guarded struct {
	Client Client
	Guard  *Guard
}

func (g *Guarded) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if !g.Guard.Allow() {
		return ChatResponse{}, ErrCoolingDown
	}
	resp, err := g.Client.Chat(ctx, req)
	if err != nil {
		g.Guard.RecordFailure()
		return ChatResponse{}, err
	}
	g.Guard.RecordSuccess()
	return resp, nil
}
