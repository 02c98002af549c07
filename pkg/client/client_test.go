package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/estrada-diego/myCloud/internal/logging"
	"github.com/estrada-diego/myCloud/pkg/models"
	"github.com/estrada-diego/myCloud/pkg/protocol"
	"github.com/estrada-diego/myCloud/pkg/retry"
)

func TestMain(m *testing.M) {
	logging.InitNop()
	os.Exit(m.Run())
}

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return New(Config{
		BaseURL: ts.URL,
		RetryConfig: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     time.Millisecond,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func TestListFiles(t *testing.T) {
	var gotQuery string
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		writeJSON(w, http.StatusOK, protocol.ListResponse{
			ParentID: models.ID64(7),
			Children: []*models.Node{{ID: 8, Name: "a", Kind: models.KindFile, Size: 3}},
		})
	}))

	resp, err := c.ListFiles(context.Background(), models.ID64(7))
	if err != nil {
		t.Fatal(err)
	}
	if gotQuery != "parentId=7" {
		t.Errorf("query = %q", gotQuery)
	}
	if len(resp.Children) != 1 || resp.Children[0].Name != "a" {
		t.Errorf("children = %+v", resp.Children)
	}
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, protocol.ErrorResponse{Error: "busy", Code: 503})
			return
		}
		writeJSON(w, http.StatusOK, protocol.UsageResponse{Used: 5, Limit: 10, Remaining: 5, Percent: 50})
	}))

	u, err := c.Usage(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if u.Used != 5 || calls.Load() != 3 {
		t.Errorf("usage = %+v after %d calls", u, calls.Load())
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusConflict, protocol.ErrorResponse{Error: "duplicate name", Code: 409})
	}))

	_, err := c.CreateFolder(context.Background(), "docs", nil)
	if StatusOf(err) != http.StatusConflict {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if !strings.Contains(err.Error(), "duplicate name") {
		t.Errorf("error message = %q", err)
	}
}

func TestQuotaErrorCarriesDetails(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusInsufficientStorage, protocol.ErrorResponse{
			Error: "storage quota exceeded", Code: 507, Details: "remaining=4",
		})
	}))

	_, err := c.Upload(context.Background(), []UploadFile{{Path: "a", Content: strings.NewReader("12345")}})
	var apiErr *APIError
	if StatusOf(err) != http.StatusInsufficientStorage {
		t.Fatalf("err = %v", err)
	}
	if !errors.As(err, &apiErr) || apiErr.Details != "remaining=4" {
		t.Errorf("details = %+v", apiErr)
	}
}

func TestUploadSendsBatch(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: err.Error()})
			return
		}
		paths := r.MultipartForm.Value["paths"]
		files := r.MultipartForm.File["files"]
		var nodes []*models.Node
		var total int64
		for i, fh := range files {
			nodes = append(nodes, &models.Node{ID: int64(i + 1), Name: paths[i], Kind: models.KindFile, Size: fh.Size})
			total += fh.Size
		}
		writeJSON(w, http.StatusCreated, protocol.UploadResponse{Files: nodes, Bytes: total})
	}))

	resp, err := c.Upload(context.Background(), []UploadFile{
		{Path: "a/b.txt", Content: strings.NewReader("hello")},
		{Path: "c.txt", Content: strings.NewReader("hi")},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Bytes != 7 || len(resp.Files) != 2 || resp.Files[0].Name != "a/b.txt" {
		t.Errorf("upload = %+v", resp)
	}
}

func TestDownload(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/content/5" {
			writeJSON(w, http.StatusNotFound, protocol.ErrorResponse{Error: "node not found"})
			return
		}
		io.WriteString(w, "payload")
	}))

	rc, _, err := c.Download(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "payload" {
		t.Errorf("content = %q", data)
	}

	if _, _, err := c.Download(context.Background(), 6); StatusOf(err) != http.StatusNotFound {
		t.Errorf("missing download err = %v", err)
	}
}

func TestDeletePartialFailure(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, protocol.DeleteResponse{ID: 3, BytesFreed: 10, Error: "byte store release"})
	}))

	resp, err := c.Delete(context.Background(), 3)
	if StatusOf(err) != http.StatusBadGateway {
		t.Fatalf("err = %v", err)
	}
	if resp == nil || resp.BytesFreed != 10 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestPingTracksOnline(t *testing.T) {
	var unhealthy atomic.Bool
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unhealthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, protocol.HealthResponse{Status: "ok"})
	}))

	if err := c.Ping(context.Background()); err != nil || !c.IsOnline() {
		t.Fatalf("ping: %v online=%v", err, c.IsOnline())
	}
	unhealthy.Store(true)
	if err := c.Ping(context.Background()); err == nil || c.IsOnline() {
		t.Fatalf("ping: %v online=%v", err, c.IsOnline())
	}
}

func TestWatch(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, ": comment\n\n")
		io.WriteString(w, "event: folder_created\ndata: {\"type\":\"folder_created\",\"node_id\":4,\"name\":\"docs\"}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan protocol.SSEEvent, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(ctx, func(ev protocol.SSEEvent) {
			select {
			case got <- ev:
			default:
			}
		})
	}()

	select {
	case ev := <-got:
		if ev.Type != "folder_created" || ev.NodeID != 4 || ev.Name != "docs" {
			t.Errorf("event = %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch = %v", err)
	}
}
