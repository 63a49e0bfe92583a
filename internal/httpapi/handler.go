// Package httpapi exposes the cache manager and the download queue as a JSON
// API on a chi router.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cesargomez89/capsulecache/internal/cache"
	"github.com/cesargomez89/capsulecache/internal/domain"
	"github.com/cesargomez89/capsulecache/internal/logger"
	"github.com/cesargomez89/capsulecache/internal/progress"
	"github.com/cesargomez89/capsulecache/internal/queue"
)

type TaskQueue interface {
	Submit(req queue.SubmitRequest) (*domain.DownloadTask, bool, error)
	Pause(id string) error
	Resume(id string) error
	Cancel(id string) error
	Status() (*queue.Status, error)
	Progress(id string) (progress.Snapshot, bool)
	ProgressList() []progress.Snapshot
}

type CacheManager interface {
	GetStatus(ctx context.Context) (*cache.Status, error)
	PurgeOldCache(ctx context.Context, opts cache.PurgeOptions) (*cache.Result, error)
	SmartCleanup(ctx context.Context, opts cache.SmartOptions) (*cache.Result, error)
	ClearAll(ctx context.Context, keepPinned bool) (*cache.Result, error)
	Pin(capsuleID int64, fileType domain.FileType) error
	Unpin(capsuleID int64, fileType domain.FileType) error
	UpdatePriority(capsuleID int64, fileType domain.FileType, priority int) error
	DeleteCapsule(ctx context.Context, capsuleID int64) error
	MaxSize() int64
	SetMaxSize(size int64) error
	AutoPurge() bool
	SetAutoPurge(on bool) error
}

// Store holds the read paths that do not go through the queue or manager.
type Store interface {
	GetTask(id string) (*domain.DownloadTask, error)
	ListTasks(limit int) ([]*domain.DownloadTask, error)
	ClearFinishedTasks() (int64, error)
	ListAssets(capsuleID int64) ([]*domain.Asset, error)
	GetAsset(capsuleID int64, fileType domain.FileType) (*domain.Asset, error)
	RecordAccess(capsuleID int64, fileType domain.FileType) error
}

type Handler struct {
	Queue   TaskQueue
	Cache   CacheManager
	Store   Store
	Metrics http.Handler
	Logger  *logger.Logger
}

func NewHandler(q TaskQueue, cm CacheManager, st Store, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Default()
	}
	return &Handler{
		Queue:  q,
		Cache:  cm,
		Store:  st,
		Logger: log.WithComponent("http"),
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.Health)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/cache", func(r chi.Router) {
			r.Get("/status", h.CacheStatus)
			r.Post("/purge", h.PurgeCache)
			r.Post("/smart-cleanup", h.SmartCleanup)
			r.Post("/clear", h.ClearCache)
			r.Get("/settings", h.GetCacheSettings)
			r.Put("/settings", h.UpdateCacheSettings)
			r.Post("/{capsuleID}/{fileType}/pin", h.Pin)
			r.Delete("/{capsuleID}/{fileType}/pin", h.Unpin)
			r.Put("/{capsuleID}/{fileType}/priority", h.UpdatePriority)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", h.SubmitTask)
			r.Get("/", h.ListTasks)
			r.Delete("/", h.ClearFinishedTasks)
			r.Get("/progress", h.ListProgress)
			r.Get("/{id}", h.GetTask)
			r.Post("/{id}/pause", h.PauseTask)
			r.Post("/{id}/resume", h.ResumeTask)
			r.Post("/{id}/cancel", h.CancelTask)
		})

		r.Get("/queue/status", h.QueueStatus)

		r.Get("/assets/{capsuleID}", h.ListAssets)
		r.Get("/assets/{capsuleID}/{fileType}", h.GetAsset)
		r.Post("/assets/{capsuleID}/{fileType}/access", h.RecordAccess)
		r.Delete("/capsules/{capsuleID}", h.DeleteCapsule)
	})
}

// NewRouter returns a router with the standard middleware stack and every
// route registered.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)

	h.RegisterRoutes(r)
	return r
}

// RequestLogger logs one line per request through the structured logger.
func RequestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			log.Debug("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
