package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/estrada-diego/myCloud/internal/events"
	"github.com/estrada-diego/myCloud/internal/logging"
	"github.com/estrada-diego/myCloud/internal/metadata"
	"github.com/estrada-diego/myCloud/internal/quota"
	"github.com/estrada-diego/myCloud/internal/storage"
	"github.com/estrada-diego/myCloud/internal/storage/local"
	"github.com/estrada-diego/myCloud/internal/tree"
	"github.com/estrada-diego/myCloud/pkg/models"
	"github.com/estrada-diego/myCloud/pkg/protocol"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

type testServer struct {
	*httptest.Server
	tree        *tree.Tree
	broadcaster *events.Broadcaster
}

func newTestServer(t *testing.T, limit, maxUpload int64, rpm int) *testServer {
	t.Helper()
	dir := t.TempDir()

	store, err := metadata.Open(metadata.DriverSQLite, filepath.Join(dir, "meta.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}

	backend, err := local.New(local.Config{RootPath: filepath.Join(dir, "blobs"), CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}

	tr := tree.New(store, storage.NewBlobStore(backend), quota.NewTracker(limit, 0))
	if err := tr.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	b := events.NewBroadcaster()
	srv := NewServer(tr, b, quota.NewRateLimiter(rpm), maxUpload)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{Server: ts, tree: tr, broadcaster: b}
}

type part struct {
	path    string
	content string
}

func (ts *testServer) upload(t *testing.T, parts ...part) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, p := range parts {
		if err := mw.WriteField("paths", p.path); err != nil {
			t.Fatal(err)
		}
	}
	for _, p := range parts {
		fw, err := mw.CreateFormFile("files", filepath.Base(p.path))
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(fw, p.content)
	}
	mw.Close()

	resp, err := http.Post(ts.URL+"/api/v1/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, r)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response, wantStatus int) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want %d; body: %s", resp.StatusCode, wantStatus, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, 0, 0, 0)
	h := decode[protocol.HealthResponse](t, ts.do(t, "GET", "/health", nil), http.StatusOK)
	if h.Status != "ok" {
		t.Errorf("status = %q", h.Status)
	}
}

func TestUploadListDownload(t *testing.T) {
	ts := newTestServer(t, 0, 0, 0)

	up := decode[protocol.UploadResponse](t, ts.upload(t,
		part{"photos/2024/a.jpg", "aaaa"},
		part{"photos/b.txt", "bb"},
	), http.StatusCreated)
	if len(up.Files) != 2 || up.Bytes != 6 {
		t.Fatalf("upload = %+v", up)
	}

	top := decode[protocol.ListResponse](t, ts.do(t, "GET", "/api/v1/files", nil), http.StatusOK)
	if len(top.Children) != 1 || top.Children[0].Name != "photos" || top.Children[0].Size != 6 {
		t.Fatalf("top level = %+v", top.Children)
	}
	if top.ParentID != nil || len(top.Path) != 0 {
		t.Errorf("top-level listing has parent: %+v", top)
	}

	photos := top.Children[0]
	list := decode[protocol.ListResponse](t,
		ts.do(t, "GET", fmt.Sprintf("/api/v1/files?parentId=%d", photos.ID), nil), http.StatusOK)
	if list.ParentName != "photos" || len(list.Path) != 1 {
		t.Errorf("parent = %q path = %v", list.ParentName, list.Path)
	}
	if len(list.Children) != 2 || list.Children[0].Name != "2024" || list.Children[1].Name != "b.txt" {
		t.Fatalf("children = %+v", list.Children)
	}

	var file *models.Node
	for _, f := range up.Files {
		if f.Name == "a.jpg" {
			file = f
		}
	}
	resp := ts.do(t, "GET", fmt.Sprintf("/api/v1/content/%d", file.ID), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("content status = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "aaaa" {
		t.Errorf("content = %q", body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "a.jpg") {
		t.Errorf("Content-Disposition = %q", cd)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
}

func TestListErrors(t *testing.T) {
	ts := newTestServer(t, 0, 0, 0)
	up := decode[protocol.UploadResponse](t, ts.upload(t, part{"f.txt", "x"}), http.StatusCreated)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown parent", "/api/v1/files?parentId=999", http.StatusNotFound},
		{"bad parent", "/api/v1/files?parentId=abc", http.StatusBadRequest},
		{"file parent", fmt.Sprintf("/api/v1/files?parentId=%d", up.Files[0].ID), http.StatusBadRequest},
		{"unknown node", "/api/v1/nodes/999", http.StatusNotFound},
		{"bad node id", "/api/v1/nodes/-1", http.StatusBadRequest},
		{"bad content id", "/api/v1/content/abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := decode[protocol.ErrorResponse](t, ts.do(t, "GET", tt.path, nil), tt.want)
			if e.Code != tt.want {
				t.Errorf("body code = %d", e.Code)
			}
		})
	}
}

func TestCreateFolder(t *testing.T) {
	ts := newTestServer(t, 0, 0, 0)

	docs := decode[models.Node](t, ts.do(t, "POST", "/api/v1/folders",
		protocol.CreateFolderRequest{Name: "docs"}), http.StatusCreated)
	if !docs.IsDir() || docs.ParentID != nil {
		t.Fatalf("folder = %+v", docs)
	}

	sub := decode[models.Node](t, ts.do(t, "POST", "/api/v1/folders",
		protocol.CreateFolderRequest{Name: "sub", ParentID: &docs.ID}), http.StatusCreated)
	if sub.ParentID == nil || *sub.ParentID != docs.ID {
		t.Fatalf("sub = %+v", sub)
	}

	decode[protocol.ErrorResponse](t, ts.do(t, "POST", "/api/v1/folders",
		protocol.CreateFolderRequest{Name: "docs"}), http.StatusConflict)
	decode[protocol.ErrorResponse](t, ts.do(t, "POST", "/api/v1/folders",
		protocol.CreateFolderRequest{Name: ".."}), http.StatusBadRequest)
	missing := int64(999)
	decode[protocol.ErrorResponse](t, ts.do(t, "POST", "/api/v1/folders",
		protocol.CreateFolderRequest{Name: "x", ParentID: &missing}), http.StatusNotFound)

	got := decode[models.Node](t, ts.do(t, "GET", fmt.Sprintf("/api/v1/nodes/%d", sub.ID), nil), http.StatusOK)
	if got.Name != "sub" {
		t.Errorf("get = %+v", got)
	}
}

func TestUploadConflicts(t *testing.T) {
	ts := newTestServer(t, 0, 0, 0)
	decode[protocol.UploadResponse](t, ts.upload(t, part{"a/b", "1"}), http.StatusCreated)

	// "a/b" is a file, so it cannot become a folder.
	decode[protocol.ErrorResponse](t, ts.upload(t, part{"a/b/c", "2"}), http.StatusConflict)
	// Same name, same parent.
	decode[protocol.ErrorResponse](t, ts.upload(t, part{"a/b", "3"}), http.StatusConflict)
	decode[protocol.ErrorResponse](t, ts.upload(t, part{"a/../x", "4"}), http.StatusBadRequest)

	if got := ts.tree.CurrentUsage(); got != 1 {
		t.Errorf("usage = %d, want 1", got)
	}
}

func TestUploadQuota(t *testing.T) {
	ts := newTestServer(t, 10, 0, 0)

	decode[protocol.UploadResponse](t, ts.upload(t, part{"a", "123456"}), http.StatusCreated)
	e := decode[protocol.ErrorResponse](t, ts.upload(t, part{"b", "12345"}), http.StatusInsufficientStorage)
	if e.Details != "remaining=4" {
		t.Errorf("details = %q", e.Details)
	}

	u := decode[protocol.UsageResponse](t, ts.do(t, "GET", "/api/v1/usage", nil), http.StatusOK)
	if u.Used != 6 || u.Limit != 10 || u.Remaining != 4 || u.Percent != 60 {
		t.Errorf("usage = %+v", u)
	}
}

func TestUploadTooLarge(t *testing.T) {
	ts := newTestServer(t, 0, 64, 0)
	resp := ts.upload(t, part{"big", strings.Repeat("x", 1024)})
	decode[protocol.ErrorResponse](t, resp, http.StatusRequestEntityTooLarge)
}

func TestUploadRequiresFiles(t *testing.T) {
	ts := newTestServer(t, 0, 0, 0)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("paths", "a")
	mw.Close()
	resp, err := http.Post(ts.URL+"/api/v1/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	decode[protocol.ErrorResponse](t, resp, http.StatusBadRequest)
}

func TestDeleteSubtree(t *testing.T) {
	ts := newTestServer(t, 0, 0, 0)
	up := decode[protocol.UploadResponse](t, ts.upload(t,
		part{"a/b/1", "11111"},
		part{"a/b/2", "22"},
		part{"a/3", "333"},
	), http.StatusCreated)

	b, err := ts.tree.Get(context.Background(), *up.Files[0].ParentID)
	if err != nil {
		t.Fatal(err)
	}

	del := decode[protocol.DeleteResponse](t, ts.do(t, "DELETE", fmt.Sprintf("/api/v1/nodes/%d", b.ID), nil), http.StatusOK)
	if del.BytesFreed != 7 || del.Error != "" {
		t.Fatalf("delete = %+v", del)
	}

	top := decode[protocol.ListResponse](t, ts.do(t, "GET", "/api/v1/files", nil), http.StatusOK)
	if len(top.Children) != 1 || top.Children[0].Size != 3 {
		t.Errorf("after delete: %+v", top.Children)
	}
	if got := ts.tree.CurrentUsage(); got != 3 {
		t.Errorf("usage = %d, want 3", got)
	}

	decode[protocol.ErrorResponse](t, ts.do(t, "DELETE", fmt.Sprintf("/api/v1/nodes/%d", b.ID), nil), http.StatusNotFound)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, 0, 0, 2)

	for i := 0; i < 2; i++ {
		decode[protocol.HealthResponse](t, ts.do(t, "GET", "/health", nil), http.StatusOK)
	}
	resp := ts.do(t, "GET", "/health", nil)
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	decode[protocol.ErrorResponse](t, resp, http.StatusTooManyRequests)
}

func TestEventsStream(t *testing.T) {
	ts := newTestServer(t, 0, 0, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// The handler subscribes after flushing headers; wait until it has.
	deadline := time.Now().Add(2 * time.Second)
	for ts.broadcaster.Count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	decode[models.Node](t, ts.do(t, "POST", "/api/v1/folders",
		protocol.CreateFolderRequest{Name: "docs"}), http.StatusCreated)

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	if len(lines) != 2 || lines[0] != "event: folder_created" || !strings.HasPrefix(lines[1], "data: ") {
		t.Fatalf("event lines = %q", lines)
	}
	var ev protocol.SSEEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Name != "docs" || ev.Kind != string(models.KindFolder) {
		t.Errorf("event = %+v", ev)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&models.DuplicateNameError{Name: "x"}, http.StatusConflict},
		{&models.NodeNotFoundError{ID: 1}, http.StatusNotFound},
		{&models.InvalidPathError{Path: "x"}, http.StatusBadRequest},
		{&quota.QuotaExceededError{Requested: 2, Remaining: 1}, http.StatusInsufficientStorage},
		{&models.ByteStoreIOError{Op: "release", Err: io.ErrUnexpectedEOF}, http.StatusBadGateway},
		{&models.ByteStoreIOError{Op: "release", Key: "/abs", Err: &models.InvalidPathError{Path: "/abs", Reason: "absolute key"}}, http.StatusBadGateway},
		{&models.ByteStoreIOError{Op: "read", Key: "k", Err: &models.NodeNotFoundError{ID: 3}}, http.StatusBadGateway},
		{fmt.Errorf("wrapped: %w", &models.NodeNotFoundError{ID: 1}), http.StatusNotFound},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
