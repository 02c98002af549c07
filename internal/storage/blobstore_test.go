package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/estrada-diego/myCloud/internal/logging"
	"github.com/estrada-diego/myCloud/internal/storage/local"
	"github.com/estrada-diego/myCloud/pkg/models"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

func newTestBlobStore(t *testing.T) *BlobStore {
	t.Helper()
	b, err := local.New(local.Config{RootPath: filepath.Join(t.TempDir(), "blobs"), CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	return NewBlobStore(b)
}

func TestBlobStoreRoundTrip(t *testing.T) {
	s := newTestBlobStore(t)
	ctx := context.Background()

	key, err := s.Store(ctx, strings.NewReader("contents"), 8)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := ValidateKey(key); err != nil {
		t.Fatalf("generated key %q is invalid: %v", key, err)
	}

	ok, err := s.Exists(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}

	rc, size, err := s.OpenForRead(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "contents" || size != 8 {
		t.Errorf("OpenForRead = %q (%d)", data, size)
	}

	if err := s.Release(ctx, key); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.Release(ctx, key); err != nil {
		t.Errorf("second Release should succeed: %v", err)
	}
	if ok, _ := s.Exists(ctx, key); ok {
		t.Error("object still exists after Release")
	}
}

func TestBlobStoreKeysAreUnique(t *testing.T) {
	s := newTestBlobStore(t)
	seen := map[string]bool{}
	for range 50 {
		key, err := s.Store(context.Background(), strings.NewReader(""), 0)
		if err != nil {
			t.Fatal(err)
		}
		if seen[key] {
			t.Fatalf("duplicate key %s", key)
		}
		seen[key] = true
	}
}

func TestBlobStoreSizeMismatch(t *testing.T) {
	s := newTestBlobStore(t)
	ctx := context.Background()

	for _, tc := range []struct {
		body string
		size int64
	}{
		{"short", 10},
		{"too long", 3},
	} {
		_, err := s.Store(ctx, strings.NewReader(tc.body), tc.size)
		if !errors.Is(err, ErrSizeMismatch) {
			t.Errorf("Store(%q, %d) = %v, want ErrSizeMismatch", tc.body, tc.size, err)
		}
		if !errors.Is(err, models.ErrByteStoreIO) {
			t.Errorf("Store(%q, %d) error is not a byte store error: %v", tc.body, tc.size, err)
		}
	}
}

func TestBlobStoreRejectsEscapingKeys(t *testing.T) {
	s := newTestBlobStore(t)
	ctx := context.Background()

	for _, key := range []string{"", "../x", "/abs", "a/./b", "a\\b"} {
		if err := s.Release(ctx, key); !errors.Is(err, models.ErrInvalidPath) {
			t.Errorf("Release(%q) = %v, want ErrInvalidPath", key, err)
		}
		if _, _, err := s.OpenForRead(ctx, key); !errors.Is(err, models.ErrInvalidPath) {
			t.Errorf("OpenForRead(%q) = %v, want ErrInvalidPath", key, err)
		}
	}
}

func TestOpenMissingObject(t *testing.T) {
	s := newTestBlobStore(t)
	_, _, err := s.OpenForRead(context.Background(), "objects/missing")
	if !errors.Is(err, models.ErrByteStoreIO) {
		t.Fatalf("got %v, want ErrByteStoreIO", err)
	}
}
