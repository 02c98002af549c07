// Package quota enforces the global storage ceiling and per-client request rates.
package quota

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/estrada-diego/myCloud/internal/logging"
	"github.com/estrada-diego/myCloud/internal/metrics"
)

// ErrQuotaExceeded is matched by *QuotaExceededError.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// QuotaExceededError reports a rejected reservation.
type QuotaExceededError struct {
	Requested int64
	Remaining int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("storage quota exceeded: requested %d bytes, %d remaining", e.Requested, e.Remaining)
}

func (e *QuotaExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// Tracker is the global usage counter. It admits uploads against the ceiling
// before any metadata is written and is credited back by deletions.
type Tracker struct {
	mu    sync.Mutex
	limit int64 // <= 0 means unlimited
	used  int64
}

// NewTracker creates a tracker with the given ceiling and starting usage.
func NewTracker(limit, used int64) *Tracker {
	t := &Tracker{limit: limit}
	metrics.SetStorageLimit(limit)
	t.Reset(used)
	return t
}

// Reserve admits bytes against the ceiling. A rejected reservation changes
// nothing.
func (t *Tracker) Reserve(bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("reserve negative amount %d", bytes)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.limit > 0 && t.used+bytes > t.limit {
		metrics.RecordQuotaExceeded()
		return &QuotaExceededError{Requested: bytes, Remaining: t.remainingLocked()}
	}
	t.used += bytes
	metrics.SetStorageUsed(t.used)
	return nil
}

// Release credits bytes back. Usage never drops below zero; an underflow
// means the counter drifted from the tree and is logged.
func (t *Tracker) Release(bytes int64) {
	if bytes <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.used -= bytes
	if t.used < 0 {
		logging.Warn("storage usage drifted below zero; clamping",
			zap.Int64("released", bytes),
			zap.Int64("deficit", -t.used),
		)
		t.used = 0
	}
	metrics.SetStorageUsed(t.used)
}

// Reset overwrites the usage, e.g. from the sum of file sizes at start-up.
func (t *Tracker) Reset(used int64) {
	if used < 0 {
		used = 0
	}
	t.mu.Lock()
	t.used = used
	t.mu.Unlock()
	metrics.SetStorageUsed(used)
}

// CurrentUsage returns the bytes in use, including reserved bytes of
// in-flight uploads.
func (t *Tracker) CurrentUsage() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}

// Limit returns the configured ceiling (<= 0 means unlimited).
func (t *Tracker) Limit() int64 {
	return t.limit
}

// Remaining returns the bytes still available, or -1 when unlimited.
func (t *Tracker) Remaining() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remainingLocked()
}

func (t *Tracker) remainingLocked() int64 {
	if t.limit <= 0 {
		return -1
	}
	return max(t.limit-t.used, 0)
}
