package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cesargomez89/capsulecache/internal/cache"
	"github.com/cesargomez89/capsulecache/internal/domain"
	"github.com/cesargomez89/capsulecache/internal/logger"
	"github.com/cesargomez89/capsulecache/internal/metrics"
	"github.com/cesargomez89/capsulecache/internal/progress"
	"github.com/cesargomez89/capsulecache/internal/queue"
	"github.com/cesargomez89/capsulecache/internal/store"
	"github.com/cesargomez89/capsulecache/internal/transfer"
)

const mb = int64(1000 * 1000)

// idleTransfer is never reached: the queue under test is not started.
type idleTransfer struct{}

func (idleTransfer) Transfer(context.Context, transfer.Request, transfer.Hooks) (*transfer.Result, error) {
	return nil, errors.New("not started")
}

type apiFixture struct {
	db       *store.DB
	progress *progress.Store
	router   http.Handler
	cacheDir string
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()
	db, err := store.NewSQLiteDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	dir := t.TempDir()
	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	mgr := cache.NewManager(db, cache.Config{Dir: dir, MaxSize: 100 * mb, CandidateLimit: 100}, logger.Discard(),
		cache.WithSettings(store.NewSettingsRepo(db)),
		cache.WithMetrics(m),
	)
	ps := progress.NewStore(time.Minute)
	q := queue.New(db, idleTransfer{}, queue.Config{CacheDir: dir, MaxRetries: 3}, logger.Discard(),
		queue.WithMetrics(m),
		queue.WithProgress(ps),
	)

	h := NewHandler(q, mgr, db, logger.Discard())
	h.Metrics = metrics.Handler(reg)

	return &apiFixture{db: db, progress: ps, router: NewRouter(h), cacheDir: dir}
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// addCached writes a file of the given size and records it as resident.
func (f *apiFixture) addCached(t *testing.T, capsuleID int64, ft domain.FileType, size int64) string {
	t.Helper()
	path := filepath.Join(f.cacheDir, "c", string(ft)+".bin")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	file, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, file.Truncate(size))
	require.NoError(t, file.Close())

	require.NoError(t, f.db.UpsertCacheEntry(&domain.CacheEntry{
		CapsuleID: capsuleID,
		FileType:  ft,
		FilePath:  path,
		FileSize:  size,
		FileHash:  "hash",
	}))
	require.NoError(t, f.db.MarkAssetLocal(capsuleID, ft, domain.AssetStatusCached, path, size, "hash"))
	return path
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := setupAPI(t)
	rec := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestSubmitTask(t *testing.T) {
	f := setupAPI(t)
	body := `{"capsule_id": 42, "file_type": "wav", "remote_url": "https://cdn.example.com/42/mix.wav", "priority": 8}`

	rec := f.do(t, http.MethodPost, "/api/tasks", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decode[domain.DownloadTask](t, rec)
	assert.Equal(t, domain.TaskStatusPending, first.Status)
	assert.Equal(t, 8, first.Priority)
	assert.Equal(t, filepath.Join(f.cacheDir, "42", "wav.wav"), first.LocalPath)

	rec = f.do(t, http.MethodPost, "/api/tasks", body)
	require.Equal(t, http.StatusOK, rec.Code)
	again := decode[domain.DownloadTask](t, rec)
	assert.Equal(t, first.ID, again.ID)

	rec = f.do(t, http.MethodGet, "/api/tasks/"+first.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, first.ID, decode[domain.DownloadTask](t, rec).ID)

	rec = f.do(t, http.MethodGet, "/api/queue/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[queue.Status](t, rec)
	assert.Equal(t, 1, status.Pending)
	assert.Equal(t, 1, status.Queued)
}

func TestSubmitTask_Validation(t *testing.T) {
	f := setupAPI(t)

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"missing capsule", `{"file_type": "wav", "remote_url": "https://cdn/a.wav"}`, "capsule_id"},
		{"bad type", `{"capsule_id": 1, "file_type": "midi", "remote_url": "https://cdn/a.wav"}`, "file_type"},
		{"bad url", `{"capsule_id": 1, "file_type": "wav", "remote_url": "ftp://cdn/a.wav"}`, "remote_url"},
		{"bad priority", `{"capsule_id": 1, "file_type": "wav", "remote_url": "https://cdn/a.wav", "priority": 42}`, "priority"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/tasks", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			resp := decode[errorResponse](t, rec)
			assert.Contains(t, resp.Fields, tt.field)
			assert.NotEmpty(t, resp.Error)
		})
	}

	rec := f.do(t, http.MethodPost, "/api/tasks", `{"capsule_id": 1, "unknown": true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/tasks", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTaskTransitions(t *testing.T) {
	f := setupAPI(t)
	rec := f.do(t, http.MethodPost, "/api/tasks", `{"capsule_id": 5, "file_type": "preview", "remote_url": "https://cdn/5.mp3"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decode[domain.DownloadTask](t, rec).ID

	rec = f.do(t, http.MethodPost, "/api/tasks/"+id+"/pause", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, domain.TaskStatusPaused, decode[domain.DownloadTask](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/tasks/"+id+"/resume", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, domain.TaskStatusPending, decode[domain.DownloadTask](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/tasks/"+id+"/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, domain.TaskStatusCancelled, decode[domain.DownloadTask](t, rec).Status)

	rec = f.do(t, http.MethodPost, "/api/tasks/"+id+"/resume", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decode[errorResponse](t, rec).Error, "invalid task status transition")

	rec = f.do(t, http.MethodPost, "/api/tasks/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/tasks/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"deleted": 1}`, rec.Body.String())
}

func TestListTasks(t *testing.T) {
	f := setupAPI(t)
	for _, id := range []string{"1", "2"} {
		rec := f.do(t, http.MethodPost, "/api/tasks", `{"capsule_id": `+id+`, "file_type": "wav", "remote_url": "https://cdn/a.wav"}`)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/api/tasks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.DownloadTask](t, rec), 2)

	rec = f.do(t, http.MethodGet, "/api/tasks?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.DownloadTask](t, rec), 1)

	rec = f.do(t, http.MethodGet, "/api/tasks?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCacheStatusAndPurge(t *testing.T) {
	f := setupAPI(t)
	f.addCached(t, 1, domain.FileTypeWAV, 60*mb)
	f.addCached(t, 2, domain.FileTypePreview, 50*mb)

	rec := f.do(t, http.MethodGet, "/api/cache/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[cache.Status](t, rec)
	assert.Equal(t, 2, status.TotalFiles)
	assert.Equal(t, 110*mb, status.TotalSize)
	assert.True(t, status.NeedsPurge)

	rec = f.do(t, http.MethodPost, "/api/cache/purge", `{"dry_run": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[cache.Result](t, rec)
	assert.Equal(t, 1, res.FilesDeleted)
	assert.GreaterOrEqual(t, res.SpaceFreed, 20*mb)

	rec = f.do(t, http.MethodGet, "/api/cache/status", "")
	assert.Equal(t, 2, decode[cache.Status](t, rec).TotalFiles, "dry run deletes nothing")

	rec = f.do(t, http.MethodPost, "/api/cache/purge", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[cache.Result](t, rec).FilesDeleted)

	rec = f.do(t, http.MethodPost, "/api/cache/purge", `{"max_bytes_to_free": -5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSmartCleanupAndClear(t *testing.T) {
	f := setupAPI(t)
	f.addCached(t, 1, domain.FileTypePreview, 50*mb)
	f.addCached(t, 2, domain.FileTypeRPP, 40*mb)

	rec := f.do(t, http.MethodPost, "/api/cache/smart-cleanup", `{"target_usage_percent": 150}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/cache/smart-cleanup", `{"target_usage_percent": 50}`)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[cache.Result](t, rec)
	assert.Equal(t, 1, res.FilesDeleted)
	assert.Equal(t, 50*mb, res.SpaceFreed, "the preview scores highest")

	rec = f.do(t, http.MethodPost, "/api/cache/clear", `{"keep_pinned": false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[cache.Result](t, rec).FilesDeleted)
}

func TestPinAndPriority(t *testing.T) {
	f := setupAPI(t)
	f.addCached(t, 3, domain.FileTypeWAV, mb)

	rec := f.do(t, http.MethodPost, "/api/cache/3/wav/pin", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"capsule_id": 3, "file_type": "wav", "is_pinned": true}`, rec.Body.String())

	entry, err := f.db.GetCacheEntry(3, domain.FileTypeWAV)
	require.NoError(t, err)
	assert.True(t, entry.IsPinned)

	rec = f.do(t, http.MethodDelete, "/api/cache/3/wav/pin", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/cache/99/wav/pin", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/cache/3/midi/pin", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/cache/abc/wav/pin", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/cache/3/wav/priority", `{"priority": 9}`)
	require.Equal(t, http.StatusOK, rec.Code)
	entry, err = f.db.GetCacheEntry(3, domain.FileTypeWAV)
	require.NoError(t, err)
	assert.Equal(t, 9, entry.CachePriority)

	rec = f.do(t, http.MethodPut, "/api/cache/3/wav/priority", `{"priority": 11}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/cache/3/wav/priority", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCacheSettings(t *testing.T) {
	f := setupAPI(t)

	rec := f.do(t, http.MethodGet, "/api/cache/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(100*mb), decode[map[string]interface{}](t, rec)["max_size"])

	rec = f.do(t, http.MethodPut, "/api/cache/settings", `{"max_size": "2GiB", "auto_purge": false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"max_size": 2147483648, "max_size_human": "2.0 GiB", "auto_purge": false}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/api/cache/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"max_size":2147483648`)

	rec = f.do(t, http.MethodPut, "/api/cache/settings", `{"max_size": "huge"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAssetsAccessAndDelete(t *testing.T) {
	f := setupAPI(t)

	rec := f.do(t, http.MethodPost, "/api/assets/7/wav/access", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/assets/7/wav", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	path := f.addCached(t, 7, domain.FileTypeWAV, mb)

	rec = f.do(t, http.MethodGet, "/api/assets/7/wav", "")
	require.Equal(t, http.StatusOK, rec.Code)
	asset := decode[domain.Asset](t, rec)
	assert.Equal(t, domain.AssetStatusCached, asset.Status)
	assert.Equal(t, path, asset.LocalPath)

	rec = f.do(t, http.MethodGet, "/api/assets/7/midi", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/assets/7/wav/access", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/assets/7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assets := decode[[]domain.Asset](t, rec)
	require.Len(t, assets, 1)
	assert.Equal(t, 1, assets[0].AccessCount)

	rec = f.do(t, http.MethodDelete, "/api/capsules/7", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NoFileExists(t, path)

	rec = f.do(t, http.MethodGet, "/api/assets/7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestListProgress(t *testing.T) {
	f := setupAPI(t)

	rec := f.do(t, http.MethodGet, "/api/tasks/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	f.progress.Set("task-b", progress.Snapshot{DownloadedBytes: 20, TotalBytes: 40, Percent: 50})
	f.progress.Set("task-a", progress.Snapshot{DownloadedBytes: 10, TotalBytes: 40, Percent: 25})

	rec = f.do(t, http.MethodGet, "/api/tasks/progress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snaps := decode[[]progress.Snapshot](t, rec)
	require.Len(t, snaps, 2)
	assert.Equal(t, "task-a", snaps[0].TaskID)
	assert.Equal(t, int64(20), snaps[1].DownloadedBytes)

	rec = f.do(t, http.MethodGet, "/api/queue/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[queue.Status](t, rec).Tracked)
}

func TestMetricsRoute(t *testing.T) {
	f := setupAPI(t)
	f.do(t, http.MethodGet, "/api/cache/status", "")

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "capsulecache_cache_max_size_bytes")
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{queue.ErrTaskNotFound, http.StatusNotFound},
		{cache.ErrNotCached, http.StatusNotFound},
		{store.ErrNotFound, http.StatusNotFound},
		{queue.ErrInvalidTransition, http.StatusConflict},
		{cache.ErrPurgeInProgress, http.StatusConflict},
		{cache.ErrDownloadActive, http.StatusConflict},
		{queue.ErrInvalidRequest, http.StatusBadRequest},
		{cache.ErrInvalidPriority, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, errorStatus(tt.err))
		})
	}
}
