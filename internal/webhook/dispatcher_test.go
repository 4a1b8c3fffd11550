package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/settleflow/internal/jobs"
	"github.com/mbd888/settleflow/internal/transaction"
)

type recordingQueue struct {
	mu       sync.Mutex
	payloads []jobs.DeliverPayload
}

func (q *recordingQueue) Enqueue(ctx context.Context, jobType string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var p jobs.DeliverPayload
	_ = json.Unmarshal(payload, &p)
	q.payloads = append(q.payloads, p)
	return nil
}

func testConfig() Config {
	return Config{Timeout: time.Second, MaxAttempts: 3, BaseDelay: time.Millisecond}
}

func seededTx(t *testing.T, store *transaction.MemoryStore, status transaction.Status) *transaction.Transaction {
	t.Helper()
	now := time.Now().UTC()
	tx := &transaction.Transaction{
		ID: "txn_1", MerchantID: "mch_a", Amount: "42.50", Currency: "EUR",
		Description: "order 7", Status: status, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.Create(context.Background(), tx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return tx
}

func newEndpoint(url string) *Endpoint {
	return &Endpoint{
		ID: "wh_1", MerchantID: "mch_a", URL: url,
		Secret: "s3cret", CreatedAt: time.Now().UTC(),
	}
}

func TestDeliver_SignsAndPosts(t *testing.T) {
	var gotBody []byte
	var gotSig, gotEvent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Settleflow-Signature")
		gotEvent = r.Header.Get("X-Settleflow-Event")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	txStore := transaction.NewMemoryStore()
	tx := seededTx(t, txStore, transaction.StatusSucceeded)
	d := NewDispatcher(NewMemoryStore(), txStore, &recordingQueue{}, testConfig())

	if err := d.Deliver(context.Background(), newEndpoint(srv.URL), tx); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if gotEvent != EventTransactionSucceeded {
		t.Errorf("expected %s event, got %s", EventTransactionSucceeded, gotEvent)
	}
	if !hmac.Equal([]byte(gotSig), []byte(Sign(gotBody, "s3cret"))) {
		t.Error("signature does not verify against body")
	}

	var p TransactionPayload
	if err := json.Unmarshal(gotBody, &p); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if p.ID != tx.ID || p.Status != "succeeded" || p.Amount != "42.50" || p.Currency != "EUR" {
		t.Errorf("unexpected payload: %+v", p)
	}
	if _, err := time.Parse(time.RFC3339, p.CreatedAt); err != nil {
		t.Errorf("created_at not RFC3339: %q", p.CreatedAt)
	}
}

func TestDeliver_FailFailSucceed(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	txStore := transaction.NewMemoryStore()
	tx := seededTx(t, txStore, transaction.StatusSucceeded)
	d := NewDispatcher(NewMemoryStore(), txStore, &recordingQueue{}, testConfig())

	if err := d.Deliver(context.Background(), newEndpoint(srv.URL), tx); err != nil {
		t.Fatalf("expected third attempt to succeed, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestDeliver_ExhaustsAtThreeAttempts(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	txStore := transaction.NewMemoryStore()
	tx := seededTx(t, txStore, transaction.StatusSucceeded)
	d := NewDispatcher(NewMemoryStore(), txStore, &recordingQueue{}, testConfig())

	if err := d.Deliver(context.Background(), newEndpoint(srv.URL), tx); err == nil {
		t.Fatal("expected terminal failure")
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", calls)
	}
}

func TestDeliver_EndpointsAreIndependent(t *testing.T) {
	var healthyCalls int
	var mu sync.Mutex
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		healthyCalls++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer broken.Close()

	txStore := transaction.NewMemoryStore()
	tx := seededTx(t, txStore, transaction.StatusFailed)
	d := NewDispatcher(NewMemoryStore(), txStore, &recordingQueue{}, testConfig())

	if err := d.Deliver(context.Background(), &Endpoint{ID: "wh_bad", MerchantID: "mch_a", URL: broken.URL, Secret: "s"}, tx); err == nil {
		t.Fatal("broken endpoint should fail")
	}
	if err := d.Deliver(context.Background(), &Endpoint{ID: "wh_ok", MerchantID: "mch_a", URL: healthy.URL, Secret: "s"}, tx); err != nil {
		t.Fatalf("healthy endpoint affected by broken one: %v", err)
	}
	if healthyCalls != 1 {
		t.Errorf("expected 1 delivery to healthy endpoint, got %d", healthyCalls)
	}
}

func TestFanOut(t *testing.T) {
	txStore := transaction.NewMemoryStore()
	tx := seededTx(t, txStore, transaction.StatusSucceeded)
	epStore := NewMemoryStore()
	queue := &recordingQueue{}
	d := NewDispatcher(epStore, txStore, queue, testConfig())
	ctx := context.Background()

	// No endpoints registered: normal no-op.
	if err := d.FanOut(ctx, tx.ID); err != nil {
		t.Fatalf("fanout with no endpoints: %v", err)
	}
	if len(queue.payloads) != 0 {
		t.Fatalf("expected no jobs, got %d", len(queue.payloads))
	}

	_ = epStore.Create(ctx, &Endpoint{ID: "wh_1", MerchantID: "mch_a", URL: "http://a.test", Secret: "s"})
	_ = epStore.Create(ctx, &Endpoint{ID: "wh_2", MerchantID: "mch_a", URL: "http://b.test", Secret: "s"})
	_ = epStore.Create(ctx, &Endpoint{ID: "wh_other", MerchantID: "mch_b", URL: "http://c.test", Secret: "s"})

	if err := d.FanOut(ctx, tx.ID); err != nil {
		t.Fatalf("fanout: %v", err)
	}
	if len(queue.payloads) != 2 {
		t.Fatalf("expected 2 delivery jobs (merchant-scoped), got %d", len(queue.payloads))
	}
	seen := map[string]bool{}
	for _, p := range queue.payloads {
		if p.TransactionID != tx.ID {
			t.Errorf("wrong transaction in job: %s", p.TransactionID)
		}
		seen[p.EndpointID] = true
	}
	if !seen["wh_1"] || !seen["wh_2"] {
		t.Errorf("expected jobs for wh_1 and wh_2, got %v", seen)
	}
}

func TestHandleDeliver_EndpointGoneIsNoop(t *testing.T) {
	txStore := transaction.NewMemoryStore()
	tx := seededTx(t, txStore, transaction.StatusSucceeded)
	d := NewDispatcher(NewMemoryStore(), txStore, &recordingQueue{}, testConfig())

	raw, _ := json.Marshal(jobs.DeliverPayload{EndpointID: "wh_deleted", TransactionID: tx.ID})
	if err := d.HandleDeliver(context.Background(), raw); err != nil {
		t.Errorf("deleted endpoint should be a no-op, got %v", err)
	}
}
