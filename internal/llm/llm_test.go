package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"jobline/internal/config"
)

func TestGuardDisablesAfterFailures(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	guard := NewGuard(2, 10*time.Minute)
	guard.now = func() time.Time { return now }

	guard.RecordFailure()
	if !guard.Allow() {
		t.Fatalf("expected allow after first failure")
	}
	guard.RecordFailure()
	if guard.Allow() {
		t.Fatalf("expected guard to disable after max failures")
	}
	now = now.Add(11 * time.Minute)
	if !guard.Allow() {
		t.Fatalf("expected guard to allow after cooldown")
	}
	guard.RecordSuccess()
	if !guard.DisabledUntil().IsZero() {
		t.Fatalf("expected success to reset the guard")
	}
}

type failing struct{ calls int }

func (f *failing) Chat(context.Context, ChatRequest) (ChatResponse, error) {
	f.calls++
	return ChatResponse{}, errors.New("boom")
}

func TestGuardedShortCircuits(t *testing.T) {
	inner := &failing{}
	g := &Guarded{Client: inner, Guard: NewGuard(1, time.Hour)}
	if _, err := g.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatalf("expected inner failure")
	}
	if _, err := g.Chat(context.Background(), ChatRequest{}); !errors.Is(err, ErrCoolingDown) {
		t.Fatalf("expected cooldown, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected one inner call, got %d", inner.calls)
	}
}

func TestDisabledWithoutBaseURL(t *testing.T) {
	c := New(config.LLMConfig{})
	if _, err := c.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected disabled, got %v", err)
	}
}

func TestHTTPClientChat(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		var req ChatRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": "echo:" + req.Model}, "finish_reason": "stop"}},
		})
	})
	srv := &http.Server{Handler: mux}
	go srv.Serve(ln)
	t.Cleanup(func() { _ = srv.Close() })

	c := NewHTTPClient(config.LLMConfig{BaseURL: ln.Addr().String(), Model: "m1", APIKey: "secret", TimeoutSeconds: 5})
	resp, err := c.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Content != "echo:m1" || resp.FinishReason != "stop" {
		t.Fatalf("unexpected response %+v", resp)
	}
}
