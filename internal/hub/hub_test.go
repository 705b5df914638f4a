package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func quietHub(buffer int) *Hub {
	h := New("test", buffer)
	h.Logger = log.New(io.Discard, "", 0)
	return h
}

func next(t *testing.T, sub *Subscriber) Frame {
	t.Helper()
	select {
	case f, ok := <-sub.Frames():
		if !ok {
			t.Fatalf("subscriber closed")
		}
		return f
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for frame")
	}
	return Frame{}
}

func TestSubscribeConnectedThenHistory(t *testing.T) {
	h := quietHub(4)
	h.History = func(ctx context.Context, jobID string) ([]Frame, error) {
		return []Frame{{Type: "user_message", JobID: jobID, Data: "hi"}, {Type: "assistant_message", JobID: jobID, Data: "hello"}}, nil
	}
	sub, err := h.Subscribe(context.Background(), "job-1")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{FrameConnected, "user_message", "assistant_message"}
	for _, typ := range want {
		if f := next(t, sub); f.Type != typ {
			t.Fatalf("expected %s, got %s", typ, f.Type)
		}
	}
	h.Publish("job-1", "job_update", map[string]string{"status": "review"})
	h.Publish("job-2", "job_update", nil)
	if f := next(t, sub); f.Type != "job_update" || f.JobID != "job-1" {
		t.Fatalf("unexpected frame %+v", f)
	}
	select {
	case f := <-sub.Frames():
		t.Fatalf("frame for another job leaked: %+v", f)
	default:
	}
}

func TestSlowHistoryDoesNotBlockPublish(t *testing.T) {
	h := quietHub(4)
	entered, release := make(chan struct{}), make(chan struct{})
	h.History = func(ctx context.Context, jobID string) ([]Frame, error) {
		if jobID == "slow" {
			close(entered)
			<-release
		}
		return nil, nil
	}
	fast, err := h.Subscribe(context.Background(), "fast")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	next(t, fast)

	subscribed := make(chan error, 1)
	go func() {
		_, err := h.Subscribe(context.Background(), "slow")
		subscribed <- err
	}()
	<-entered
	published := make(chan struct{})
	go func() {
		h.Publish("fast", "job_update", "moved")
		close(published)
	}()
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatalf("publish blocked behind a history replay")
	}
	if f := next(t, fast); f.Type != "job_update" {
		t.Fatalf("unexpected frame %+v", f)
	}
	close(release)
	if err := <-subscribed; err != nil {
		t.Fatalf("slow subscribe: %v", err)
	}
	if h.Count("slow") != 1 {
		t.Fatalf("slow subscriber not registered")
	}
}

func TestUnsubscribePrunes(t *testing.T) {
	h := quietHub(4)
	a, _ := h.Subscribe(context.Background(), "job-1")
	b, _ := h.Subscribe(context.Background(), "job-1")
	if h.Count("job-1") != 2 {
		t.Fatalf("expected 2 subscribers")
	}
	h.Unsubscribe(a)
	if h.Count("job-1") != 1 || h.Jobs() != 1 {
		t.Fatalf("expected one left")
	}
	h.Unsubscribe(b)
	h.Unsubscribe(b)
	if h.Jobs() != 0 {
		t.Fatalf("expected empty registry after last unsubscribe")
	}
}

func TestSlowSubscriberDropped(t *testing.T) {
	h := quietHub(1)
	slow, _ := h.Subscribe(context.Background(), "job-1")
	fast, _ := h.Subscribe(context.Background(), "job-1")
	next(t, fast) // connected
	h.Publish("job-1", "task_update", 1)
	next(t, fast)
	h.Publish("job-1", "task_update", 2)
	next(t, fast)
	if h.Count("job-1") != 1 {
		t.Fatalf("expected the slow subscriber dropped, have %d", h.Count("job-1"))
	}
	// Connected plus one update were buffered, then the channel was closed.
	next(t, slow)
	next(t, slow)
	if _, ok := <-slow.Frames(); ok {
		t.Fatalf("expected closed channel")
	}
}

func TestStreamWritesFramesAndHeartbeats(t *testing.T) {
	h := quietHub(8)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Stream(w, r, "job-1", 50*time.Millisecond)
	})}
	go srv.Serve(ln)
	t.Cleanup(func() { _ = srv.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+ln.Addr().String(), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	reader := bufio.NewReader(resp.Body)
	readData := func() Frame {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if strings.HasPrefix(line, "data: ") {
				var f Frame
				if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &f); err != nil {
					t.Fatalf("decode frame: %v", err)
				}
				return f
			}
		}
	}
	if f := readData(); f.Type != FrameConnected {
		t.Fatalf("expected connected first, got %+v", f)
	}
	h.Publish("job-1", "job_update", map[string]string{"status": "funded"})
	if f := readData(); f.Type != "job_update" {
		t.Fatalf("expected job_update, got %+v", f)
	}
	sawHeartbeat := false
	deadline := time.Now().Add(2 * time.Second)
	for !sawHeartbeat && time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		sawHeartbeat = strings.HasPrefix(line, ": heartbeat")
	}
	if !sawHeartbeat {
		t.Fatalf("no heartbeat received")
	}
	cancel()
	waitUntil := time.Now().Add(2 * time.Second)
	for h.Count("job-1") != 0 && time.Now().Before(waitUntil) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.Count("job-1") != 0 {
		t.Fatalf("subscriber not removed after disconnect")
	}
}
