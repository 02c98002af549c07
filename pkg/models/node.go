// Package models contains the data types shared by the server, client and tools.
package models

import "time"

// Kind distinguishes files from folders.
type Kind string

const (
	KindFile   Kind = "file"
	KindFolder Kind = "folder"
)

// Valid reports whether k is a known node kind.
func (k Kind) Valid() bool {
	return k == KindFile || k == KindFolder
}

// Node is a file or folder in the metadata tree.
// A folder's Size is the sum of the sizes of all files below it.
type Node struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Kind       Kind      `json:"kind"`
	ParentID   *int64    `json:"parent_id"`
	Size       int64     `json:"size"`
	StorageKey string    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsDir reports whether the node is a folder.
func (n *Node) IsDir() bool {
	return n.Kind == KindFolder
}

// ParentKey returns the parent ID, or 0 for top-level nodes.
func (n *Node) ParentKey() int64 {
	if n.ParentID == nil {
		return 0
	}
	return *n.ParentID
}

// ID64 returns a pointer to a copy of id, for use as a ParentID.
func ID64(id int64) *int64 {
	return &id
}
