package quota

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/estrada-diego/myCloud/internal/logging"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

func TestTrackerReserve(t *testing.T) {
	tr := NewTracker(100, 40)

	if err := tr.Reserve(60); err != nil {
		t.Fatalf("reserve up to the ceiling: %v", err)
	}
	if got := tr.CurrentUsage(); got != 100 {
		t.Errorf("usage = %d, want 100", got)
	}

	err := tr.Reserve(1)
	var qe *QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("expected QuotaExceededError, got %v", err)
	}
	if qe.Requested != 1 || qe.Remaining != 0 {
		t.Errorf("error = %+v", qe)
	}
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Error("errors.Is(err, ErrQuotaExceeded) = false")
	}
	if got := tr.CurrentUsage(); got != 100 {
		t.Errorf("rejected reservation changed usage to %d", got)
	}
}

func TestTrackerRejectedReservationReportsRemaining(t *testing.T) {
	tr := NewTracker(100, 70)
	err := tr.Reserve(50)
	var qe *QuotaExceededError
	if !errors.As(err, &qe) || qe.Remaining != 30 {
		t.Fatalf("got %v, want remaining 30", err)
	}
}

func TestTrackerUnlimited(t *testing.T) {
	tr := NewTracker(0, 0)
	if err := tr.Reserve(1 << 50); err != nil {
		t.Fatalf("unlimited tracker rejected: %v", err)
	}
	if tr.Remaining() != -1 {
		t.Errorf("Remaining = %d, want -1", tr.Remaining())
	}
}

func TestTrackerReleaseClampsAtZero(t *testing.T) {
	tr := NewTracker(100, 10)
	tr.Release(4)
	if got := tr.CurrentUsage(); got != 6 {
		t.Errorf("usage = %d, want 6", got)
	}
	tr.Release(50)
	if got := tr.CurrentUsage(); got != 0 {
		t.Errorf("usage = %d, want 0 after underflow", got)
	}
	tr.Release(-5)
	if got := tr.CurrentUsage(); got != 0 {
		t.Errorf("negative release changed usage to %d", got)
	}
}

func TestTrackerNegativeReserve(t *testing.T) {
	tr := NewTracker(100, 0)
	if err := tr.Reserve(-1); err == nil {
		t.Fatal("expected error for negative reservation")
	}
}

func TestTrackerReset(t *testing.T) {
	tr := NewTracker(100, 0)
	tr.Reset(55)
	if tr.CurrentUsage() != 55 || tr.Remaining() != 45 || tr.Limit() != 100 {
		t.Errorf("after Reset: used=%d remaining=%d limit=%d", tr.CurrentUsage(), tr.Remaining(), tr.Limit())
	}
}

func TestTrackerConcurrentReserveNeverOvercommits(t *testing.T) {
	tr := NewTracker(1000, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Reserve(30) == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 33 {
		t.Errorf("admitted = %d, want 33", admitted)
	}
	if got := tr.CurrentUsage(); got != 990 {
		t.Errorf("usage = %d, want 990", got)
	}
}

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(10)

	for i := 0; i < 10; i++ {
		if !rl.Allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.Allow("10.0.0.1") {
		t.Error("11th request should be denied")
	}
	if rl.RetryAfter("10.0.0.1") < 1 {
		t.Error("expected retry-after >= 1")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("another client should have its own bucket")
	}
}

func TestRateLimiterUnlimited(t *testing.T) {
	rl := NewRateLimiter(0)
	for i := 0; i < 1000; i++ {
		if !rl.Allow("c") {
			t.Fatalf("request %d should be allowed (unlimited)", i+1)
		}
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(5)
	rl.Allow("a")
	rl.Allow("b")

	time.Sleep(10 * time.Millisecond)
	rl.Cleanup(time.Millisecond)

	rl.mu.Lock()
	n := len(rl.buckets)
	rl.mu.Unlock()
	if n != 0 {
		t.Errorf("buckets after cleanup = %d, want 0", n)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := RateLimitMiddleware(NewRateLimiter(1))(ok)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}
