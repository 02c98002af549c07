package models

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateName = errors.New("duplicate name")
	ErrNodeNotFound  = errors.New("node not found")
	ErrInvalidPath   = errors.New("invalid path")
	ErrByteStoreIO   = errors.New("byte store I/O failure")
)

// DuplicateNameError reports a sibling name collision. KindConflict is set
// when the existing sibling is of the other kind (file vs folder).
type DuplicateNameError struct {
	ParentID     *int64
	Name         string
	KindConflict bool
	Existing     *Node
}

func (e *DuplicateNameError) Error() string {
	parent := "root"
	if e.ParentID != nil {
		parent = fmt.Sprintf("folder %d", *e.ParentID)
	}
	if e.KindConflict && e.Existing != nil {
		return fmt.Sprintf("duplicate name %q in %s: a %s with that name already exists", e.Name, parent, e.Existing.Kind)
	}
	return fmt.Sprintf("duplicate name %q in %s", e.Name, parent)
}

func (e *DuplicateNameError) Is(target error) bool { return target == ErrDuplicateName }

// NodeNotFoundError reports an operation on an unknown node id.
type NodeNotFoundError struct {
	ID int64
}

func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("node %d not found", e.ID)
}

func (e *NodeNotFoundError) Is(target error) bool { return target == ErrNodeNotFound }

// InvalidPathError reports a malformed path or a storage key that would
// escape the managed storage root.
type InvalidPathError struct {
	Path   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return fmt.Sprintf("invalid path %q: %s", e.Path, e.Reason)
}

func (e *InvalidPathError) Is(target error) bool { return target == ErrInvalidPath }

// ByteStoreIOError wraps a failure from the byte store collaborator.
type ByteStoreIOError struct {
	Op  string // store, release, exists, read
	Key string
	Err error
}

func (e *ByteStoreIOError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("byte store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("byte store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *ByteStoreIOError) Is(target error) bool { return target == ErrByteStoreIO }

func (e *ByteStoreIOError) Unwrap() error { return e.Err }
