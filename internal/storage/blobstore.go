package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/estrada-diego/myCloud/internal/logging"
	"github.com/estrada-diego/myCloud/internal/metrics"
	"github.com/estrada-diego/myCloud/pkg/models"
)

// ErrSizeMismatch is returned when an upload body does not match its
// declared size.
var ErrSizeMismatch = errors.New("content length does not match declared size")

// BlobStore stores file contents under generated keys.
type BlobStore struct {
	backend Backend
}

// NewBlobStore wraps a backend.
func NewBlobStore(backend Backend) *BlobStore {
	return &BlobStore{backend: backend}
}

// Backend returns the underlying backend.
func (s *BlobStore) Backend() Backend {
	return s.backend
}

// Store writes size bytes from r under a new key and returns the key.
func (s *BlobStore) Store(ctx context.Context, r io.Reader, size int64) (string, error) {
	key := NewKey()
	start := time.Now()

	cr := &countingReader{r: io.LimitReader(r, size+1)}
	err := s.backend.PutObject(ctx, key, cr, size)
	if err == nil && cr.n != size {
		err = fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, cr.n, size)
		if delErr := s.backend.DeleteObject(context.WithoutCancel(ctx), key); delErr != nil {
			logging.Warn("failed to remove short object", zap.String("key", key), zap.Error(delErr))
		}
	}
	s.record("store", start, err)
	if err != nil {
		return "", &models.ByteStoreIOError{Op: "store", Key: key, Err: err}
	}

	logging.Debug("stored object", zap.String("key", key), zap.Int64("size", size))
	return key, nil
}

// Release deletes the object behind key. Releasing a missing object succeeds,
// so an interrupted delete can be retried.
func (s *BlobStore) Release(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	start := time.Now()
	err := s.backend.DeleteObject(ctx, key)
	s.record("release", start, err)
	if err != nil {
		return &models.ByteStoreIOError{Op: "release", Key: key, Err: err}
	}
	return nil
}

// Exists reports whether the object behind key exists.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	start := time.Now()
	ok, err := s.backend.ObjectExists(ctx, key)
	s.record("exists", start, err)
	if err != nil {
		return false, &models.ByteStoreIOError{Op: "exists", Key: key, Err: err}
	}
	return ok, nil
}

// OpenForRead opens the object behind key.
func (s *BlobStore) OpenForRead(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if err := ValidateKey(key); err != nil {
		return nil, 0, err
	}
	start := time.Now()
	rc, size, err := s.backend.GetObject(ctx, key)
	s.record("read", start, err)
	if err != nil {
		return nil, 0, &models.ByteStoreIOError{Op: "read", Key: key, Err: err}
	}
	return rc, size, nil
}

func (s *BlobStore) record(op string, start time.Time, err error) {
	metrics.RecordStorageOperation(s.backend.Type(), op, time.Since(start), err == nil)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
