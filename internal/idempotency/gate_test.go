package idempotency

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func gateRouter(t *testing.T, store Store, handler gin.HandlerFunc) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/v1/transactions", NewGate(store).Middleware(), handler)
	return r
}

func TestGate_ConcurrentDuplicates_OneExecution(t *testing.T) {
	var executions atomic.Int32
	store := NewMemoryStore()
	r := gateRouter(t, store, func(c *gin.Context) {
		n := executions.Add(1)
		time.Sleep(20 * time.Millisecond)
		c.JSON(http.StatusCreated, gin.H{"execution": n})
	})

	const workers = 16
	responses := make([]string, workers)
	codes := make([]int, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			w := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/v1/transactions", strings.NewReader(fmt.Sprintf(`{"attempt":%d}`, i)))
			req.Header.Set(HeaderKey, "dup-key")
			r.ServeHTTP(w, req)
			responses[i] = w.Body.String()
			codes[i] = w.Code
		}(i)
	}
	wg.Wait()

	if got := executions.Load(); got != 1 {
		t.Fatalf("expected exactly 1 handler execution, got %d", got)
	}
	for i := 1; i < workers; i++ {
		if codes[i] != codes[0] || responses[i] != responses[0] {
			t.Fatalf("response %d diverged: %d %q vs %d %q",
				i, codes[i], responses[i], codes[0], responses[0])
		}
	}
}

func TestGate_ReplayIgnoresDifferentPayload(t *testing.T) {
	var executions atomic.Int32
	store := NewMemoryStore()
	r := gateRouter(t, store, func(c *gin.Context) {
		executions.Add(1)
		c.JSON(http.StatusCreated, gin.H{"id": "txn_1"})
	})

	first := httptest.NewRecorder()
	req1 := httptest.NewRequest("POST", "/v1/transactions", strings.NewReader(`{"amount":"10.00"}`))
	req1.Header.Set(HeaderKey, "key-a")
	r.ServeHTTP(first, req1)

	second := httptest.NewRecorder()
	req2 := httptest.NewRequest("POST", "/v1/transactions", strings.NewReader(`{"amount":"99.99"}`))
	req2.Header.Set(HeaderKey, "key-a")
	r.ServeHTTP(second, req2)

	if executions.Load() != 1 {
		t.Fatalf("expected 1 execution, got %d", executions.Load())
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replay body differs: %q vs %q", second.Body.String(), first.Body.String())
	}
	if second.Header().Get(HeaderReplay) != "true" {
		t.Error("expected replay header on second response")
	}
	if first.Header().Get(HeaderReplay) != "" {
		t.Error("first response must not carry replay header")
	}
}

func TestGate_ErrorResponseIsCachedToo(t *testing.T) {
	var executions atomic.Int32
	store := NewMemoryStore()
	r := gateRouter(t, store, func(c *gin.Context) {
		executions.Add(1)
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid amount"})
	})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/v1/transactions", strings.NewReader("{}"))
		req.Header.Set(HeaderKey, "bad-key")
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("request %d: expected 400, got %d", i, w.Code)
		}
	}
	if executions.Load() != 1 {
		t.Errorf("4xx should be replayed, not re-executed; got %d executions", executions.Load())
	}
}

func TestGate_InFlightClaimConflicts(t *testing.T) {
	store := NewMemoryStore()
	// Simulate another process holding an unfinished claim.
	if _, claimed, err := store.Claim(context.Background(), "inflight", "POST", "/v1/transactions"); err != nil || !claimed {
		t.Fatalf("setup claim failed: %v %v", claimed, err)
	}

	r := gateRouter(t, store, func(c *gin.Context) {
		t.Error("handler must not run for in-flight key")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/transactions", nil)
	req.Header.Set(HeaderKey, "inflight")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for in-flight key, got %d", w.Code)
	}
}

func TestGate_NoKeyOrWrongMethodSkipsGate(t *testing.T) {
	var executions atomic.Int32
	store := NewMemoryStore()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	gate := NewGate(store)
	r.POST("/p", gate.Middleware(), func(c *gin.Context) {
		executions.Add(1)
		c.Status(http.StatusOK)
	})
	r.GET("/p", gate.Middleware(), func(c *gin.Context) {
		executions.Add(1)
		c.Status(http.StatusOK)
	})

	// POST without a key runs every time.
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("POST", "/p", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
	}
	// GET with a key is not guarded.
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/p", nil)
		req.Header.Set(HeaderKey, "get-key")
		r.ServeHTTP(w, req)
	}

	if executions.Load() != 4 {
		t.Errorf("expected 4 executions, got %d", executions.Load())
	}
}

type failingStore struct{}

func (failingStore) Claim(ctx context.Context, key, method, path string) (*Record, bool, error) {
	return nil, false, errors.New("store down")
}
func (failingStore) Complete(ctx context.Context, key string, status int, body []byte) error {
	return errors.New("store down")
}
func (failingStore) Release(ctx context.Context, key string) error { return errors.New("store down") }
func (failingStore) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	return 0, errors.New("store down")
}

func TestGate_FailsOpenWhenStoreDown(t *testing.T) {
	var executions atomic.Int32
	r := gateRouter(t, failingStore{}, func(c *gin.Context) {
		executions.Add(1)
		c.JSON(http.StatusCreated, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/transactions", nil)
	req.Header.Set(HeaderKey, "any")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Errorf("expected handler to run unguarded, got %d", w.Code)
	}
	if executions.Load() != 1 {
		t.Errorf("expected 1 execution, got %d", executions.Load())
	}
}

func TestGate_PanicReleasesClaim(t *testing.T) {
	store := NewMemoryStore()
	calls := 0
	r := gateRouter(t, store, func(c *gin.Context) {
		calls++
		if calls == 1 {
			panic("handler blew up")
		}
		c.JSON(http.StatusCreated, gin.H{"ok": true})
	})

	w1 := httptest.NewRecorder()
	req1 := httptest.NewRequest("POST", "/v1/transactions", nil)
	req1.Header.Set(HeaderKey, "panic-key")
	r.ServeHTTP(w1, req1)
	if w1.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 from recovery, got %d", w1.Code)
	}

	// The claim was released, so a retry executes the handler.
	w2 := httptest.NewRecorder()
	req2 := httptest.NewRequest("POST", "/v1/transactions", nil)
	req2.Header.Set(HeaderKey, "panic-key")
	r.ServeHTTP(w2, req2)
	if w2.Code != http.StatusCreated {
		t.Errorf("expected retry to succeed after panic, got %d", w2.Code)
	}
	if calls != 2 {
		t.Errorf("expected 2 handler calls, got %d", calls)
	}
}
