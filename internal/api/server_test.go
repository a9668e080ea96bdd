package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"modelvault/internal/assets"
	"modelvault/internal/bus"
	"modelvault/internal/config"
	"modelvault/internal/dedupe"
	"modelvault/internal/differ"
	"modelvault/internal/downloader"
	"modelvault/internal/hasher"
	"modelvault/internal/indexer"
	"modelvault/internal/queue"
	"modelvault/internal/remote"
	"modelvault/internal/storage"
)

func newTestServer(t *testing.T) (*Server, *config.Settings, *storage.Storage) {
	t.Helper()
	cfg := &config.Settings{
		AppDataDir:       t.TempDir(),
		LocalModelsRoot:  t.TempDir(),
		LakeModelsRoot:   t.TempDir(),
		RemoteBaseURL:    "https://tunnel.example.com",
		LocalAllowDelete: true,
		HashWorkers:      1,
	}
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := bus.New(log)
	t.Cleanup(b.Close)

	hashSvc := hasher.New(db, cfg, log)
	diff := differ.New(db)
	q := queue.New(db, cfg, diff, log)
	srv := NewServer(Deps{
		DB:       db,
		Cfg:      cfg,
		Log:      log,
		Bus:      b,
		Index:    indexer.New(db, cfg, log),
		Diff:     diff,
		Hash:     hashSvc,
		Queue:    q,
		Dedupe:   dedupe.New(db, cfg, hashSvc, log),
		DL:       downloader.New(db, cfg, q, log),
		Broker:   remote.NewBroker(time.Hour, log),
		Resolver: assets.NewResolver(db, cfg),
	})
	return srv, cfg, db
}

func do(srv *Server, method, target, host, bearer string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if host != "" {
		req.Host = host
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAdmission_SplitHorizon(t *testing.T) {
	srv, _, _ := newTestServer(t)

	// Tunnel hostname only reaches the remote subtree.
	rec := do(srv, http.MethodGet, "/api/queue/", "tunnel.example.com", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(srv, http.MethodGet, "/api/queue/", "tunnel.example.com:443", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "port must not defeat the host check")

	rec = do(srv, http.MethodGet, "/api/queue/", "TUNNEL.example.COM", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "host comparison is case-insensitive")

	rec = do(srv, http.MethodGet, "/api/remote/status", "tunnel.example.com", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Loopback traffic sees everything.
	rec = do(srv, http.MethodGet, "/api/queue/", "127.0.0.1:8080", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerAuth(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := do(srv, http.MethodPost, "/api/remote/agent/heartbeat", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "no session, no access")

	key, _, err := srv.broker.EnableSession()
	require.NoError(t, err)

	rec = do(srv, http.MethodPost, "/api/remote/agent/heartbeat", "", "wrong-key", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(srv, http.MethodPost, "/api/remote/agent/heartbeat", "", key, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// UI-facing session endpoints need no bearer.
	rec = do(srv, http.MethodGet, "/api/remote/status", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAssetFile_RangeStreaming(t *testing.T) {
	srv, cfg, _ := newTestServer(t)
	key, _, err := srv.broker.EnableSession()
	require.NoError(t, err)

	content := []byte("0123456789abcdefghij")
	require.NoError(t, os.WriteFile(filepath.Join(cfg.LocalModelsRoot, "m.bin"), content, 0o644))
	target := "/api/remote/assets/file?side=local&relpath=m.bin"

	// Whole file.
	rec := do(srv, http.MethodGet, target, "", key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, string(content), rec.Body.String())

	// Open-ended suffix.
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Range", "bytes=15-")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 15-19/20", rec.Header().Get("Content-Range"))
	assert.Equal(t, "fghij", rec.Body.String())

	// Bounded range with end clamped to the file size.
	req = httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Range", "bytes=5-99")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 5-19/20", rec.Header().Get("Content-Range"))

	// Start past EOF.
	req = httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Range", "bytes=20-")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, "bytes */20", rec.Header().Get("Content-Range"))
}

func TestAssetFile_RejectsBadRequests(t *testing.T) {
	srv, _, _ := newTestServer(t)
	key, _, err := srv.broker.EnableSession()
	require.NoError(t, err)

	rec := do(srv, http.MethodGet, "/api/remote/assets/file?side=local&relpath=..%2Fescape", "", key, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "traversal must be refused before the open")

	rec = do(srv, http.MethodGet, "/api/remote/assets/file?side=nfs&relpath=m.bin", "", key, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(srv, http.MethodGet, "/api/remote/assets/file?side=local&relpath=absent.bin", "", key, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueEndpoints_ErrorMapping(t *testing.T) {
	srv, cfg, _ := newTestServer(t)

	// Same-side copy is a client error.
	body := strings.NewReader(`{"src_side":"local","src_relpath":"m.bin","dst_side":"local"}`)
	rec := do(srv, http.MethodPost, "/api/queue/copy", "", "", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Missing source file.
	body = strings.NewReader(`{"src_side":"local","src_relpath":"nope.bin","dst_side":"lake"}`)
	rec = do(srv, http.MethodPost, "/api/queue/copy", "", "", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Lake deletes are blocked by policy.
	require.NoError(t, os.WriteFile(filepath.Join(cfg.LakeModelsRoot, "keep.bin"), []byte("x"), 0o644))
	body = strings.NewReader(`{"side":"lake","relpath":"keep.bin"}`)
	rec = do(srv, http.MethodPost, "/api/queue/delete", "", "", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// A valid copy round-trips through the JSON task shape.
	require.NoError(t, os.WriteFile(filepath.Join(cfg.LocalModelsRoot, "m.bin"), []byte("data"), 0o644))
	body = strings.NewReader(`{"src_side":"local","src_relpath":"m.bin","dst_side":"lake"}`)
	rec = do(srv, http.MethodPost, "/api/queue/copy", "", "", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var task storage.QueueTask
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, storage.StatusPending, task.Status)
	assert.Equal(t, storage.TaskCopy, task.TaskType)

	// Path traversal in a relpath is a client error, not a 500.
	body = strings.NewReader(`{"src_side":"local","src_relpath":"../../etc/passwd","dst_side":"lake"}`)
	rec = do(srv, http.MethodPost, "/api/queue/copy", "", "", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRemoteEnqueueAndLongPoll(t *testing.T) {
	srv, _, _ := newTestServer(t)

	// No session yet: submission is refused outright.
	body := strings.NewReader(`{"type":"DOWNLOAD_URLS","payload":{"items":[{"relpath":"m.bin","url":"https://x/m.bin"}]}}`)
	rec0 := do(srv, http.MethodPost, "/api/remote/tasks/enqueue", "", "", body)
	assert.Equal(t, http.StatusBadRequest, rec0.Code)

	key, _, err := srv.broker.EnableSession()
	require.NoError(t, err)

	body = strings.NewReader(`{"type":"DOWNLOAD_URLS","payload":{"items":[{"relpath":"m.bin","url":"https://x/m.bin"}]}}`)
	rec := do(srv, http.MethodPost, "/api/remote/tasks/enqueue", "", "", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var created remote.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, remote.StatusPending, created.Status)

	// With a pending task the long poll answers immediately.
	rec = do(srv, http.MethodGet, "/api/remote/tasks/next", "", key, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var wrapper struct {
		Task *remote.Task `json:"task"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &wrapper))
	require.NotNil(t, wrapper.Task)
	assert.Equal(t, created.ID, wrapper.Task.ID)
	assert.Equal(t, remote.StatusRunning, wrapper.Task.Status)

	// Progress flows back into the task list.
	body = strings.NewReader(`{"task_id":"` + created.ID + `","status":"completed"}`)
	rec = do(srv, http.MethodPost, "/api/remote/tasks/progress", "", key, body)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(srv, http.MethodGet, "/api/remote/tasks", "", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks []remote.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, remote.StatusCompleted, tasks[0].Status)
}
