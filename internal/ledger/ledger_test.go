package ledger

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"jobline/internal/domain"
)

func TestLocalChainsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := OpenLocal(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Emit(Event{Type: EventJobCreated, ChainJobID: "1", Data: map[string]string{DataJobRef: "job-1"}}); err != nil {
		t.Fatal(err)
	}
	funded, err := l.Emit(Event{Type: EventJobFunded, ChainJobID: "1"})
	if err != nil {
		t.Fatal(err)
	}
	if funded[0].Block != 2 || funded[0].LogIndex != 0 || funded[0].TxRef == "" {
		t.Fatalf("unexpected event coordinates %+v", funded[0])
	}
	if err := l.Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}

	reloaded, err := OpenLocal(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	latest, _ := reloaded.LatestBlock(context.Background())
	if latest != 2 {
		t.Fatalf("expected latest block 2, got %d", latest)
	}
	reloaded.blocks[0].Events[0].ChainJobID = "tampered"
	if err := reloaded.Verify(); err == nil {
		t.Fatalf("expected tamper detection")
	}
}

func TestLocalResolveDispute(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	r, err := l.ResolveDispute(ctx, "9", domain.ResolutionRelease)
	if err != nil || r.TxRef == "" {
		t.Fatalf("resolve: %+v %v", r, err)
	}
	events, _ := l.Events(ctx, 1, 1)
	if len(events) != 2 || events[0].Type != EventDisputeResolved || events[1].Type != EventFundsReleased {
		t.Fatalf("unexpected events %+v", events)
	}
	l.ResolveErr = errors.New("reverted")
	if _, err := l.ResolveDispute(ctx, "9", domain.ResolutionRefund); err == nil {
		t.Fatalf("expected failure")
	}
	if latest, _ := l.LatestBlock(ctx); latest != 1 {
		t.Fatalf("failed resolution must not append, latest=%d", latest)
	}
}

func TestRPCAgainstLocalHandler(t *testing.T) {
	local := NewLocal()
	local.Emit(Event{Type: EventJobFunded, ChainJobID: "3"}, Event{Type: EventJobDisputed, ChainJobID: "3"})
	deadline := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	local.SetRevisionDeadline("3", deadline)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: Handler(local)}
	go srv.Serve(ln)
	t.Cleanup(func() { _ = srv.Close() })

	c := NewRPC("http://"+ln.Addr().String(), "0xescrow")
	ctx := context.Background()
	latest, err := c.LatestBlock(ctx)
	if err != nil || latest != 1 {
		t.Fatalf("latest: %d %v", latest, err)
	}
	events, err := c.Events(ctx, 1, latest)
	if err != nil || len(events) != 2 || events[1].Type != EventJobDisputed || events[1].LogIndex != 1 {
		t.Fatalf("events: %+v %v", events, err)
	}
	at, ok, err := c.RevisionDeadline(ctx, "3")
	if err != nil || !ok || !at.Equal(deadline) {
		t.Fatalf("deadline: %v %v %v", at, ok, err)
	}
	if _, ok, _ := c.RevisionDeadline(ctx, "4"); ok {
		t.Fatalf("unexpected deadline for unknown job")
	}
	receipt, err := c.ResolveDispute(ctx, "3", domain.ResolutionRefund)
	if err != nil || receipt.Block != 2 {
		t.Fatalf("resolve: %+v %v", receipt, err)
	}
	local.ResolveErr = errors.New("reverted")
	if _, err := c.ResolveDispute(ctx, "3", domain.ResolutionRefund); err == nil {
		t.Fatalf("expected rpc error to surface")
	}
}
