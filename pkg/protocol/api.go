// Package protocol defines the API request/response types.
package protocol

import "github.com/estrada-diego/myCloud/pkg/models"

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// ListResponse is returned by GET /api/v1/files?parentId=
type ListResponse struct {
	ParentID   *int64         `json:"parent_id"`
	ParentName string         `json:"parent_name,omitempty"`
	Path       []string       `json:"path"`
	Children   []*models.Node `json:"children"`
}

// CreateFolderRequest is the body for POST /api/v1/folders
type CreateFolderRequest struct {
	Name     string `json:"name"`
	ParentID *int64 `json:"parent_id,omitempty"`
}

// UploadResponse is returned by POST /api/v1/upload
type UploadResponse struct {
	Files []*models.Node `json:"files"`
	Bytes int64          `json:"bytes"`
}

// DeleteResponse is returned by DELETE /api/v1/nodes/{id}
// Error is set when some backing objects could not be released; the nodes
// holding them are kept.
type DeleteResponse struct {
	ID         int64  `json:"id"`
	BytesFreed int64  `json:"bytes_freed"`
	Error      string `json:"error,omitempty"`
}

// UsageResponse is returned by GET /api/v1/usage
// Limit and Remaining are -1 when no ceiling is configured.
type UsageResponse struct {
	Used      int64   `json:"used"`
	Limit     int64   `json:"limit"`
	Remaining int64   `json:"remaining"`
	Percent   float64 `json:"percent"`
}

// SSEEvent represents a server-sent event for tree changes.
type SSEEvent struct {
	Type      string `json:"type"` // file_created, folder_created, subtree_deleted
	NodeID    int64  `json:"node_id"`
	ParentID  *int64 `json:"parent_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status string `json:"status"`
}
