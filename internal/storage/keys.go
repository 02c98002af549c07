package storage

import (
	"path"
	"strings"

	"github.com/maruel/ksid"

	"github.com/estrada-diego/myCloud/pkg/models"
)

const keyPrefix = "objects/"

// NewKey returns a fresh storage key. Keys are opaque and never derived from
// display names.
func NewKey() string {
	return keyPrefix + ksid.NewID().String()
}

// ValidateKey rejects keys that are empty, absolute or that would resolve
// outside the storage root.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return &models.InvalidPathError{Path: key, Reason: "empty storage key"}
	case strings.HasPrefix(key, "/"):
		return &models.InvalidPathError{Path: key, Reason: "absolute storage key"}
	case strings.ContainsAny(key, "\\\x00"):
		return &models.InvalidPathError{Path: key, Reason: "storage key contains a backslash or NUL"}
	case path.Clean(key) != key:
		return &models.InvalidPathError{Path: key, Reason: "storage key is not canonical"}
	case key == ".." || strings.HasPrefix(key, "../"):
		return &models.InvalidPathError{Path: key, Reason: "storage key escapes the storage root"}
	}
	return nil
}
