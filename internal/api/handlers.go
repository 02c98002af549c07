package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"

	"github.com/estrada-diego/myCloud/internal/events"
	"github.com/estrada-diego/myCloud/internal/logging"
	"github.com/estrada-diego/myCloud/internal/metrics"
	"github.com/estrada-diego/myCloud/internal/tree"
	"github.com/estrada-diego/myCloud/pkg/models"
	"github.com/estrada-diego/myCloud/pkg/protocol"
)

// uploadMemory is how much of a multipart upload is buffered in memory
// before parts spill to temporary files.
const uploadMemory = 32 << 20

// ─── Listing ────────────────────────────────────────────────────────────────

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	parentID, err := optionalID(r.URL.Query().Get("parentId"))
	if err != nil {
		s.sendErr(w, r, err)
		return
	}

	children, err := s.tree.ChildrenOf(r.Context(), parentID)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	if children == nil {
		children = []*models.Node{}
	}

	resp := protocol.ListResponse{
		ParentID: parentID,
		Path:     []string{},
		Children: children,
	}
	if parentID != nil {
		path, err := s.tree.PathOf(r.Context(), *parentID)
		if err != nil {
			s.sendErr(w, r, err)
			return
		}
		resp.Path = path
		resp.ParentName = path[len(path)-1]
	}

	s.sendJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	n, err := s.tree.Get(r.Context(), id)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, n)
}

// ─── Folders ────────────────────────────────────────────────────────────────

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateFolderRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	n, err := s.tree.CreateFolder(r.Context(), req.Name, req.ParentID)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}

	s.publish(events.NodeCreated(n))
	s.sendJSON(w, http.StatusCreated, n)
}

// ─── Upload ─────────────────────────────────────────────────────────────────

// handleUpload accepts a multipart batch. Each "files" part is paired with
// the "paths" value at the same index; when paths are omitted the part's
// filename is used. The batch is stored all-or-nothing.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.maxUploadSize > 0 {
		if r.ContentLength > s.maxUploadSize {
			s.sendError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("upload too large: max %d bytes", s.maxUploadSize))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	}

	if err := r.ParseMultipartForm(uploadMemory); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			s.sendErr(w, r, err)
			return
		}
		s.sendError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	paths := r.MultipartForm.Value["paths"]
	if len(files) == 0 {
		s.sendError(w, http.StatusBadRequest, "no files in upload")
		return
	}
	if len(paths) != 0 && len(paths) != len(files) {
		s.sendError(w, http.StatusBadRequest,
			fmt.Sprintf("got %d paths for %d files", len(paths), len(files)))
		return
	}

	items, closeAll, err := uploadItems(files, paths)
	defer closeAll()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	nodes, err := s.tree.Upload(r.Context(), items)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}

	var total int64
	for _, n := range nodes {
		total += n.Size
		s.publish(events.NodeCreated(n))
	}

	logging.WithContext(r.Context()).Info("upload complete",
		zap.Int("files", len(nodes)),
		zap.Int64("bytes", total),
	)
	s.sendJSON(w, http.StatusCreated, protocol.UploadResponse{Files: nodes, Bytes: total})
}

// uploadItems opens every part. The returned func closes whatever was opened.
func uploadItems(files []*multipart.FileHeader, paths []string) ([]tree.UploadItem, func(), error) {
	var opened []multipart.File
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}

	items := make([]tree.UploadItem, 0, len(files))
	for i, fh := range files {
		p := fh.Filename
		if len(paths) > 0 {
			p = paths[i]
		}
		f, err := fh.Open()
		if err != nil {
			return nil, closeAll, fmt.Errorf("open part %q: %w", fh.Filename, err)
		}
		opened = append(opened, f)
		items = append(items, tree.UploadItem{Path: p, Size: fh.Size, Body: f})
	}
	return items, closeAll, nil
}

// ─── Content ────────────────────────────────────────────────────────────────

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}

	reader, n, err := s.tree.Open(r.Context(), id)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}
	defer reader.Close()

	ct := mime.TypeByExtension(filepath.Ext(n.Name))
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.FormatInt(n.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": n.Name}))
	w.WriteHeader(http.StatusOK)

	written, err := io.Copy(w, reader)
	if err != nil {
		logging.Warn("content transfer error", zap.Int64("id", id), zap.Error(err))
	}
	metrics.RecordContentDownload(written)
}

// ─── Delete ─────────────────────────────────────────────────────────────────

// handleDelete removes a node and everything beneath it. When some backing
// objects cannot be released the response is 502 and still reports the
// bytes that were freed.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}

	root, err := s.tree.Get(r.Context(), id)
	if err != nil {
		s.sendErr(w, r, err)
		return
	}

	freed, err := s.tree.DeleteSubtree(r.Context(), id)
	if err != nil && !errors.Is(err, models.ErrByteStoreIO) {
		s.sendErr(w, r, err)
		return
	}

	s.publish(events.SubtreeDeleted(root, freed))

	resp := protocol.DeleteResponse{ID: id, BytesFreed: freed}
	if err != nil {
		resp.Error = err.Error()
		s.sendJSON(w, http.StatusBadGateway, resp)
		return
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// ─── Usage ──────────────────────────────────────────────────────────────────

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	q := s.tree.Quota()
	resp := protocol.UsageResponse{
		Used:      q.CurrentUsage(),
		Limit:     q.Limit(),
		Remaining: q.Remaining(),
	}
	if resp.Limit > 0 {
		resp.Percent = float64(resp.Used) * 100 / float64(resp.Limit)
	} else {
		resp.Limit = -1
	}
	s.sendJSON(w, http.StatusOK, resp)
}
