package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/compiler-explorer/ce-router/core/correlator"
	"github.com/compiler-explorer/ce-router/core/forwarder"
	"github.com/compiler-explorer/ce-router/core/objectstore"
	"github.com/compiler-explorer/ce-router/core/queue"
	"github.com/compiler-explorer/ce-router/core/routing"
)

type fakeBus struct {
	mu           sync.Mutex
	subscribed   []string
	subscribeErr error
}

func (b *fakeBus) Subscribe(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return b.subscribeErr
	}
	b.subscribed = append(b.subscribed, topic)
	return nil
}
func (b *fakeBus) Unsubscribe(string) {}
func (b *fakeBus) Ack(string)         {}

func (b *fakeBus) wasSubscribed(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.subscribed {
		if t == topic {
			return true
		}
	}
	return false
}

type memRoutingStore struct {
	mu      sync.Mutex
	entries map[string]routing.RawEntry
}

func newMemRoutingStore() *memRoutingStore {
	return &memRoutingStore{entries: make(map[string]routing.RawEntry)}
}

func (s *memRoutingStore) put(key string, entry routing.RawEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry
}

func (s *memRoutingStore) GetRouting(_ context.Context, key string) (*routing.RawEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, routing.ErrNotFound
	}
	return &entry, nil
}

func (s *memRoutingStore) GetActiveColor(context.Context, string) (string, error) {
	return "blue", nil
}

func newTestServer(t *testing.T) (*Server, *fakeBus, *correlator.Correlator, *queue.FakePublisher, func(url string, entry routing.RawEntry)) {
	t.Helper()
	store := newMemRoutingStore()
	bus := &fakeBus{}
	objStore := objectstore.NewFakeStore()
	corr := correlator.New(bus, objStore, nil, "results-bucket", "cache/")
	resolver := routing.New(store, routing.Config{QueueURLBlue: "https://sqs.example/prod-compilation-queue-blue.fifo"})
	pub := queue.NewFakePublisher()
	submitter := queue.New(pub, objStore, nil, 262144, "overflow-bucket", "overflow/")
	fwd := forwarder.New(forwarder.Config{})

	srv := New(Deps{
		Resolver:       resolver,
		Submitter:      submitter,
		Correlator:     corr,
		Forwarder:      fwd,
		Environment:    "prod",
		TimeoutSeconds: 1,
	})
	return srv, bus, corr, pub, func(compilerID string, entry routing.RawEntry) {
		store.put("prod#"+compilerID, entry)
	}
}

func TestHappyQueuePath(t *testing.T) {
	srv, bus, corr, pub, putRoute := newTestServer(t)
	putRoute("gcc12", routing.RawEntry{RoutingType: routing.TypeQueue})

	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if env, ok := pub.LastEnvelope(); ok {
				corr.OnBusMessage(context.Background(), map[string]any{"guid": env.MessageDeduplicationID, "code": float64(0), "asm": []any{map[string]any{"text": "ret"}}})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	resp, err := http.Post(httpSrv.URL+"/api/compiler/gcc12/compile", "application/json", strings.NewReader(`{"source":"int main(){return 0;}","options":["-O2"]}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := decoded["guid"]; ok {
		t.Fatalf("expected guid stripped from response, got %v", decoded)
	}
	if decoded["code"] != float64(0) {
		t.Fatalf("unexpected code: %v", decoded["code"])
	}

	env, ok := pub.LastEnvelope()
	if !ok {
		t.Fatalf("expected a published queue message")
	}
	if !bus.wasSubscribed(env.MessageDeduplicationID) {
		t.Fatalf("expected subscribe before publish for guid %s", env.MessageDeduplicationID)
	}
}

func TestClientDisconnectDoesNotCancelWaiter(t *testing.T) {
	srv, _, corr, pub, putRoute := newTestServer(t)
	putRoute("gcc12", routing.RawEntry{RoutingType: routing.TypeQueue})

	body := strings.NewReader(`{"source":"x"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/compiler/gcc12/compile", body)

	cancelledCtx, cancel := context.WithCancel(context.Background())
	cancel()
	req = req.WithContext(cancelledCtx)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		done <- rec
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env, ok := pub.LastEnvelope(); ok {
			corr.OnBusMessage(context.Background(), map[string]any{"guid": env.MessageDeduplicationID, "code": float64(0)})
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case rec := <-done:
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200 (a pre-cancelled request context must not abort the waiter)", rec.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never returned")
	}
}

func TestTimeoutPath(t *testing.T) {
	srv, _, _, _, putRoute := newTestServer(t)
	putRoute("gcc12", routing.RawEntry{RoutingType: routing.TypeQueue})

	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	resp, err := http.Post(httpSrv.URL+"/api/compiler/gcc12/compile", "application/json", strings.NewReader(`{"source":"x"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestTimeout {
		t.Fatalf("status = %d, want 408", resp.StatusCode)
	}
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(decoded["error"].(string), "Compilation timeout") {
		t.Fatalf("unexpected error message: %v", decoded["error"])
	}
}

func TestSubscribeFailureReturns500(t *testing.T) {
	srv, bus, _, pub, putRoute := newTestServer(t)
	putRoute("gcc12", routing.RawEntry{RoutingType: routing.TypeQueue})
	bus.subscribeErr = errors.New("eventbus: not open")

	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	resp, err := http.Post(httpSrv.URL+"/api/compiler/gcc12/compile", "application/json", strings.NewReader(`{"source":"x"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if _, ok := pub.LastEnvelope(); ok {
		t.Fatalf("expected no queue publish when subscribe fails")
	}
}

func TestURLForwardingPath(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Transfer-Encoding", "chunked")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"code":0}`))
	}))
	defer backend.Close()

	srv, _, _, _, putRoute := newTestServer(t)
	putRoute("gcc12", routing.RawEntry{RoutingType: routing.TypeURL, TargetURL: backend.URL})

	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	resp, err := http.Post(httpSrv.URL+"/api/compiler/gcc12/compile", "application/json", strings.NewReader(`{"source":"x"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Length") != "10" {
		t.Fatalf("content-length = %q, want 10", resp.Header.Get("Content-Length"))
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS header present")
	}
}

func TestHealthcheckReportsBusState(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL + "/healthcheck")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded["status"] != "healthy" {
		t.Fatalf("status = %v", decoded["status"])
	}
}

func TestOptionsReturnsCORSWithNoBody(t *testing.T) {
	srv, _, _, _, _ := newTestServer(t)
	httpSrv := httptest.NewServer(srv.Handler())
	defer httpSrv.Close()

	req, _ := http.NewRequest(http.MethodOptions, httpSrv.URL+"/api/compiler/gcc12/compile", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS header on OPTIONS response")
	}
}
