package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"jobline/internal/domain"
)

// Block groups the events of one ledger transaction. Blocks are hash chained.
type Block struct {
	Number   uint64  `json:"number"`
	TS       string  `json:"ts"`
	Events   []Event `json:"events"`
	PrevHash string  `json:"prev_hash"`
	Hash     string  `json:"hash"`
}

func (b *Block) computeHash() (string, error) {
	view := struct {
		Number   uint64  `json:"number"`
		TS       string  `json:"ts"`
		Events   []Event `json:"events"`
		PrevHash string  `json:"prev_hash"`
	}{b.Number, b.TS, b.Events, b.PrevHash}
	data, err := json.Marshal(view)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Local is an in-process escrow ledger for development and tests. With a
// path it persists blocks as JSON lines and reloads them on open.
type Local struct {
	mu        sync.Mutex
	blocks    []*Block
	path      string
	deadlines map[string]time.Time
	now       func() time.Time

	// ResolveErr, when set, fails every ResolveDispute call.
	ResolveErr error
}

func NewLocal() *Local {
	return &Local{deadlines: map[string]time.Time{}, now: time.Now}
}

func OpenLocal(path string) (*Local, error) {
	l := NewLocal()
	l.path = path
	if path == "" {
		return l, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var blk Block
		if err := dec.Decode(&blk); err != nil {
			return nil, fmt.Errorf("decode ledger block: %w", err)
		}
		l.blocks = append(l.blocks, &blk)
	}
	if err := l.Verify(); err != nil {
		return nil, err
	}
	return l, nil
}

// Emit appends a block holding one event per spec and returns the stored events.
func (l *Local) Emit(specs ...Event) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(specs)
}

func (l *Local) appendLocked(specs []Event) ([]Event, error) {
	number := uint64(len(l.blocks) + 1)
	prev := ""
	if n := len(l.blocks); n > 0 {
		prev = l.blocks[n-1].Hash
	}
	txRef := fmt.Sprintf("0x%064x", number)
	events := make([]Event, len(specs))
	for i, s := range specs {
		s.TxRef = txRef
		s.LogIndex = i
		s.Block = number
		events[i] = s
	}
	blk := &Block{Number: number, TS: l.now().UTC().Format(time.RFC3339), Events: events, PrevHash: prev}
	h, err := blk.computeHash()
	if err != nil {
		return nil, fmt.Errorf("compute block hash: %w", err)
	}
	blk.Hash = h
	if l.path != "" {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open ledger file: %w", err)
		}
		err = json.NewEncoder(f).Encode(blk)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("write ledger file: %w", err)
		}
	}
	l.blocks = append(l.blocks, blk)
	return events, nil
}

// Verify recomputes every block hash and checks the chain links.
func (l *Local) Verify() error {
	prev := ""
	for _, b := range l.blocks {
		h, err := b.computeHash()
		if err != nil {
			return err
		}
		if h != b.Hash {
			return fmt.Errorf("block %d hash mismatch", b.Number)
		}
		if b.PrevHash != prev {
			return fmt.Errorf("block %d prev hash mismatch", b.Number)
		}
		prev = b.Hash
	}
	return nil
}

func (l *Local) SetRevisionDeadline(chainJobID string, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deadlines[chainJobID] = at
}

func (l *Local) LatestBlock(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.blocks)), nil
}

func (l *Local) Events(ctx context.Context, from, to uint64) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, b := range l.blocks {
		if b.Number < from || b.Number > to {
			continue
		}
		out = append(out, b.Events...)
	}
	SortEvents(out)
	return out, nil
}

func (l *Local) ResolveDispute(ctx context.Context, chainJobID string, resolution domain.Resolution) (Receipt, error) {
	if !resolution.Valid() {
		return Receipt{}, fmt.Errorf("unknown resolution %q", resolution)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ResolveErr != nil {
		return Receipt{}, l.ResolveErr
	}
	specs := []Event{{Type: EventDisputeResolved, ChainJobID: chainJobID, Data: map[string]string{DataResolution: string(resolution)}}}
	switch resolution {
	case domain.ResolutionRelease:
		specs = append(specs, Event{Type: EventFundsReleased, ChainJobID: chainJobID})
	case domain.ResolutionRefund:
		specs = append(specs, Event{Type: EventJobRefunded, ChainJobID: chainJobID})
	}
	events, err := l.appendLocked(specs)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{TxRef: events[0].TxRef, Block: events[0].Block}, nil
}

func (l *Local) RevisionDeadline(ctx context.Context, chainJobID string) (time.Time, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	at, ok := l.deadlines[chainJobID]
	return at, ok, nil
}
