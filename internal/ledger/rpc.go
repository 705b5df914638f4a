package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"jobline/internal/domain"
)

// JSON-RPC methods exposed by the escrow provider.
const (
	MethodBlockNumber      = "escrow_blockNumber"
	MethodGetEvents        = "escrow_getEvents"
	MethodResolveDispute   = "escrow_resolveDispute"
	MethodRevisionDeadline = "escrow_revisionDeadline"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type eventFilter struct {
	FromBlock uint64 `json:"from_block"`
	ToBlock   uint64 `json:"to_block"`
	Contract  string `json:"contract,omitempty"`
}

type resolveParams struct {
	JobID      string `json:"job_id"`
	Resolution string `json:"resolution"`
	Contract   string `json:"contract,omitempty"`
}

type deadlineResult struct {
	Deadline string `json:"deadline,omitempty"`
}

// RPC is a Client speaking JSON-RPC 2.0 over HTTP.
type RPC struct {
	URL      string
	Contract string
	HTTP     *http.Client
	nextID   atomic.Uint64
}

func NewRPC(url, contract string) *RPC {
	return &RPC{URL: url, Contract: contract, HTTP: &http.Client{Timeout: 30 * time.Second}}
}

func (c *RPC) call(ctx context.Context, method string, result any, params ...any) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: http status %d", method, resp.StatusCode)
	}
	var decoded rpcResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if decoded.Error != nil {
		return fmt.Errorf("%s: %w", method, decoded.Error)
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, result); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

func (c *RPC) LatestBlock(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.call(ctx, MethodBlockNumber, &n)
	return n, err
}

func (c *RPC) Events(ctx context.Context, from, to uint64) ([]Event, error) {
	var events []Event
	if err := c.call(ctx, MethodGetEvents, &events, eventFilter{FromBlock: from, ToBlock: to, Contract: c.Contract}); err != nil {
		return nil, err
	}
	SortEvents(events)
	return events, nil
}

func (c *RPC) ResolveDispute(ctx context.Context, chainJobID string, resolution domain.Resolution) (Receipt, error) {
	var r Receipt
	err := c.call(ctx, MethodResolveDispute, &r, resolveParams{JobID: chainJobID, Resolution: string(resolution), Contract: c.Contract})
	if err == nil && r.TxRef == "" {
		err = fmt.Errorf("%s: empty transaction reference", MethodResolveDispute)
	}
	return r, err
}

func (c *RPC) RevisionDeadline(ctx context.Context, chainJobID string) (time.Time, bool, error) {
	var res deadlineResult
	if err := c.call(ctx, MethodRevisionDeadline, &res, resolveParams{JobID: chainJobID, Contract: c.Contract}); err != nil {
		return time.Time{}, false, err
	}
	if res.Deadline == "" {
		return time.Time{}, false, nil
	}
	at, err := time.Parse(time.RFC3339, res.Deadline)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%s: %w", MethodRevisionDeadline, err)
	}
	return at, true, nil
}

// Handler serves a Client over the same JSON-RPC methods, so a Local ledger
// can stand in for a provider during development.
func Handler(c Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string            `json:"jsonrpc"`
			ID      uint64            `json:"id"`
			Method  string            `json:"method"`
			Params  []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json-rpc request", http.StatusBadRequest)
			return
		}
		result, err := dispatch(r.Context(), c, req.Method, req.Params)
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
		if err != nil {
			resp.Error = &rpcError{Code: -32000, Message: err.Error()}
		} else {
			resp.Result, _ = json.Marshal(result)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
}

func dispatch(ctx context.Context, c Client, method string, params []json.RawMessage) (any, error) {
	first := func(dst any) error {
		if len(params) == 0 {
			return fmt.Errorf("missing params")
		}
		return json.Unmarshal(params[0], dst)
	}
	switch method {
	case MethodBlockNumber:
		return c.LatestBlock(ctx)
	case MethodGetEvents:
		var f eventFilter
		if err := first(&f); err != nil {
			return nil, err
		}
		events, err := c.Events(ctx, f.FromBlock, f.ToBlock)
		if events == nil {
			events = []Event{}
		}
		return events, err
	case MethodResolveDispute:
		var p resolveParams
		if err := first(&p); err != nil {
			return nil, err
		}
		return c.ResolveDispute(ctx, p.JobID, domain.Resolution(p.Resolution))
	case MethodRevisionDeadline:
		var p resolveParams
		if err := first(&p); err != nil {
			return nil, err
		}
		at, ok, err := c.RevisionDeadline(ctx, p.JobID)
		if err != nil || !ok {
			return deadlineResult{}, err
		}
		return deadlineResult{Deadline: at.UTC().Format(time.RFC3339)}, nil
	}
	return nil, fmt.Errorf("method %s not found", method)
}
