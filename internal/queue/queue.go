// Package queue runs download tasks on a bounded pool of workers, highest
// priority first. Tasks enter through Enqueue, either directly from Submit
// or from the poller that scans the store for pending rows.
package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cesargomez89/capsulecache/internal/cache"
	"github.com/cesargomez89/capsulecache/internal/constants"
	"github.com/cesargomez89/capsulecache/internal/domain"
	"github.com/cesargomez89/capsulecache/internal/logger"
	"github.com/cesargomez89/capsulecache/internal/metrics"
	"github.com/cesargomez89/capsulecache/internal/progress"
	"github.com/cesargomez89/capsulecache/internal/retry"
	"github.com/cesargomez89/capsulecache/internal/storage"
	"github.com/cesargomez89/capsulecache/internal/transfer"
)

// Store is the persistence the queue needs.
type Store interface {
	GetTask(id string) (*domain.DownloadTask, error)
	GetOrCreateTask(task *domain.DownloadTask) (*domain.DownloadTask, bool, error)
	ListPendingTasks(limit int) ([]*domain.DownloadTask, error)
	ClaimTask(id string) error
	UpdateTaskStatus(id string, upd domain.TaskUpdate) error
	UpdateTaskProgress(id string, progress float64, bytes int64, speed float64, eta *int64) error
	IncrementRetry(id string, errorMsg string) error
	RequeueTask(id string, retryCount int, errorMsg string) error
	ResetStuckTasks() (int64, error)
	GetQueueStatus() (*domain.QueueStatus, error)
	UpsertCacheEntry(entry *domain.CacheEntry) error
	GetCacheEntry(capsuleID int64, fileType domain.FileType) (*domain.CacheEntry, error)
	EnsureAsset(capsuleID int64, fileType domain.FileType) error
	UpdateAssetStatus(capsuleID int64, fileType domain.FileType, status domain.AssetStatus) error
	UpdateAssetProgress(capsuleID int64, fileType domain.FileType, progress float64) error
	MarkAssetLocal(capsuleID int64, fileType domain.FileType, status domain.AssetStatus, path string, size int64, hash string) error
}

// Transferer moves one remote object to disk.
type Transferer interface {
	Transfer(ctx context.Context, req transfer.Request, hooks transfer.Hooks) (*transfer.Result, error)
}

// Purger is the part of the cache manager used for auto-purge.
type Purger interface {
	AutoPurge() bool
	GetStatus(ctx context.Context) (*cache.Status, error)
	PurgeOldCache(ctx context.Context, opts cache.PurgeOptions) (*cache.Result, error)
}

type Config struct {
	CacheDir     string
	PathTemplate string
	Concurrency  int
	PollInterval time.Duration
	PollLimit    int
	MaxRetries   int
}

// SubmitRequest asks for one asset to be downloaded.
type SubmitRequest struct {
	Priority   *int
	MaxRetries *int
	RemoteURL  string
	RemoteHash string
	FileType   domain.FileType
	CapsuleID  int64
	RemoteSize int64
}

// Status combines the persisted task counts with the in-memory queue state.
type Status struct {
	domain.QueueStatus
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Workers int `json:"workers"`
	Tracked int `json:"tracked"`
}

type signal int32

const (
	signalNone signal = iota
	signalPause
	signalCancel
)

// running is a task owned by a worker. Once settled, the worker has read
// the final signal and further control requests wait for done.
type running struct {
	task    *domain.DownloadTask
	signal  atomic.Int32
	settled bool
	done    chan struct{}
}

func newRunning(task *domain.DownloadTask) *running {
	return &running{task: task, done: make(chan struct{})}
}

func (r *running) raise(s signal) {
	if s == signalCancel {
		r.signal.Store(int32(signalCancel))
		return
	}
	r.signal.CompareAndSwap(int32(signalNone), int32(s))
}

type Queue struct {
	store    Store
	engine   Transferer
	purger   Purger
	progress *progress.Store
	policy   *retry.Policy
	metrics  *metrics.Metrics
	logger   *logger.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	cond     *sync.Cond
	queued   map[string]struct{}
	active   map[string]*running
	delayed  map[string]struct{}
	pending  taskHeap
	cfg      Config
	wg       sync.WaitGroup
	mu       sync.Mutex
	started  bool
	closed   bool
}

type Option func(*Queue)

// WithPurger enables auto-purge after successful downloads.
func WithPurger(p Purger) Option {
	return func(q *Queue) { q.purger = p }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithProgress shares a progress store with other readers, such as the API.
func WithProgress(s *progress.Store) Option {
	return func(q *Queue) {
		if s != nil {
			q.progress = s
		}
	}
}

// WithPolicy replaces the retry policy. Its MaxRetries is overridden per task.
func WithPolicy(p *retry.Policy) Option {
	return func(q *Queue) {
		if p != nil {
			q.policy = p
		}
	}
}

func New(st Store, engine Transferer, cfg Config, log *logger.Logger, opts ...Option) *Queue {
	if log == nil {
		log = logger.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = constants.DefaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = constants.DefaultPollInterval
	}
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = constants.DefaultPollLimit
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = constants.DefaultMaxRetries
	}
	if cfg.PathTemplate == "" {
		cfg.PathTemplate = constants.DefaultPathTemplate
	}

	q := &Queue{
		store:    st,
		engine:   engine,
		cfg:      cfg,
		logger:   log.WithComponent("queue"),
		progress: progress.NewStore(constants.DefaultProgressTTL),
		policy:   retry.Default(cfg.MaxRetries),
		queued:   make(map[string]struct{}),
		active:   make(map[string]*running),
		delayed:  make(map[string]struct{}),
	}
	q.cond = sync.NewCond(&q.mu)

	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Start resets tasks orphaned by a previous process, then launches the
// workers and the poller. They run until ctx is done or Stop is called.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return ErrAlreadyStarted
	}
	q.started = true
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	q.logger.Info("Starting queue", "workers", q.cfg.Concurrency, "poll_interval", q.cfg.PollInterval)

	n, err := q.store.ResetStuckTasks()
	if err != nil {
		q.logger.Error("Failed to reset stuck tasks", "error", err)
	} else if n > 0 {
		q.logger.Info("Reset stuck tasks", "count", n)
	}

	q.poll()

	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go q.work()
	}

	q.wg.Add(2)
	go q.pollLoop()
	go func() {
		defer q.wg.Done()
		<-q.ctx.Done()
		q.mu.Lock()
		q.closed = true
		q.cond.Broadcast()
		q.mu.Unlock()
	}()

	return nil
}

// Stop cancels in-flight transfers and waits for the workers to exit.
// Interrupted tasks go back to pending and resume on the next start.
func (q *Queue) Stop() {
	q.mu.Lock()
	cancel := q.cancel
	q.mu.Unlock()
	if cancel == nil {
		return
	}

	q.logger.Info("Stopping queue")
	cancel()
	q.wg.Wait()
}

// Wait blocks until nothing is queued, running or waiting out a backoff.
func (q *Queue) Wait(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if q.idle() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) == 0 && len(q.active) == 0 && len(q.delayed) == 0
}

// Enqueue adds a pending task unless it is already queued, running or
// waiting to be retried. It reports whether the task was added.
func (q *Queue) Enqueue(task *domain.DownloadTask) bool {
	if task == nil || task.Status != domain.TaskStatusPending {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushLocked(task)
}

func (q *Queue) pushLocked(task *domain.DownloadTask) bool {
	if q.closed || q.memberLocked(task.ID) {
		return false
	}
	heap.Push(&q.pending, task)
	q.queued[task.ID] = struct{}{}
	q.metrics.SetQueueDepth(len(q.pending))
	q.cond.Broadcast()
	return true
}

func (q *Queue) memberLocked(id string) bool {
	if _, ok := q.queued[id]; ok {
		return true
	}
	if _, ok := q.active[id]; ok {
		return true
	}
	_, ok := q.delayed[id]
	return ok
}

func (q *Queue) dequeue(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.pending.remove(id); ok {
		delete(q.queued, id)
		q.metrics.SetQueueDepth(len(q.pending))
	}
}

// Submit creates the task for an asset, or returns the active one already
// targeting it, and enqueues it when pending.
func (q *Queue) Submit(req SubmitRequest) (*domain.DownloadTask, bool, error) {
	if req.CapsuleID <= 0 {
		return nil, false, fmt.Errorf("%w: capsule_id must be positive", ErrInvalidRequest)
	}
	if !req.FileType.Valid() {
		return nil, false, fmt.Errorf("%w: unknown file type %q", ErrInvalidRequest, req.FileType)
	}
	if req.RemoteURL == "" {
		return nil, false, fmt.Errorf("%w: remote_url is required", ErrInvalidRequest)
	}
	if req.RemoteSize < 0 {
		return nil, false, fmt.Errorf("%w: remote_size must not be negative", ErrInvalidRequest)
	}

	priority := constants.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	if priority < constants.MinPriority || priority > constants.MaxPriority {
		return nil, false, fmt.Errorf("%w: priority must be between %d and %d", ErrInvalidRequest, constants.MinPriority, constants.MaxPriority)
	}

	maxRetries := q.cfg.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 {
		return nil, false, fmt.Errorf("%w: max_retries must not be negative", ErrInvalidRequest)
	}

	data := storage.BuildPathTemplateData(req.CapsuleID, string(req.FileType), req.RemoteURL)
	localPath, err := storage.BuildFullPath(q.cfg.CacheDir, q.cfg.PathTemplate, data)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build local path: %w", err)
	}

	if err := q.store.EnsureAsset(req.CapsuleID, req.FileType); err != nil {
		return nil, false, fmt.Errorf("failed to register asset: %w", err)
	}

	ts := time.Now().UTC()
	task := &domain.DownloadTask{
		ID:         uuid.New().String(),
		CapsuleID:  req.CapsuleID,
		FileType:   req.FileType,
		Status:     domain.TaskStatusPending,
		RemoteURL:  req.RemoteURL,
		RemoteSize: req.RemoteSize,
		RemoteHash: req.RemoteHash,
		LocalPath:  localPath,
		Priority:   priority,
		MaxRetries: maxRetries,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}

	got, created, err := q.store.GetOrCreateTask(task)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create task: %w", err)
	}

	if created {
		q.logger.Info("Task submitted", "task_id", got.ID, "capsule_id", got.CapsuleID, "file_type", got.FileType, "priority", got.Priority)
	}
	q.Enqueue(got)
	return got, created, nil
}

// Pause stops a task at the next chunk boundary, or keeps a queued task
// from starting.
func (q *Queue) Pause(id string) error {
	if q.signalActive(id, signalPause) {
		return nil
	}

	task, err := q.store.GetTask(id)
	if err != nil {
		return err
	}
	if task == nil {
		return ErrTaskNotFound
	}

	switch task.Status {
	case domain.TaskStatusPaused:
		return nil
	case domain.TaskStatusPending, domain.TaskStatusDownloading:
	default:
		return fmt.Errorf("%w: cannot pause a %s task", ErrInvalidTransition, task.Status)
	}

	// A downloading row here belongs to another process; it notices the
	// change on its next progress write.
	if err := q.store.UpdateTaskStatus(id, domain.TaskUpdate{Status: domain.TaskStatusPaused}); err != nil {
		return err
	}
	q.dequeue(id)
	q.logger.Info("Task paused", "task_id", id)
	return nil
}

// Resume moves a paused task back to pending and enqueues it.
func (q *Queue) Resume(id string) error {
	q.mu.Lock()
	r, ok := q.active[id]
	if ok && !r.settled {
		resumed := r.signal.CompareAndSwap(int32(signalPause), int32(signalNone))
		q.mu.Unlock()
		if resumed {
			return nil
		}
	} else {
		q.mu.Unlock()
		if ok {
			<-r.done
		}
	}

	task, err := q.store.GetTask(id)
	if err != nil {
		return err
	}
	if task == nil {
		return ErrTaskNotFound
	}
	if task.Status != domain.TaskStatusPaused {
		return fmt.Errorf("%w: cannot resume a %s task", ErrInvalidTransition, task.Status)
	}

	if err := q.store.UpdateTaskStatus(id, domain.TaskUpdate{Status: domain.TaskStatusPending}); err != nil {
		return err
	}
	task.Status = domain.TaskStatusPending
	q.Enqueue(task)
	q.logger.Info("Task resumed", "task_id", id)
	return nil
}

// Cancel stops a task for good. A running task stops at the next chunk
// boundary and its worker removes the partial file.
func (q *Queue) Cancel(id string) error {
	if q.signalActive(id, signalCancel) {
		return nil
	}

	task, err := q.store.GetTask(id)
	if err != nil {
		return err
	}
	if task == nil {
		return ErrTaskNotFound
	}
	if task.Status == domain.TaskStatusCancelled {
		return nil
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot cancel a %s task", ErrInvalidTransition, task.Status)
	}

	if err := q.store.UpdateTaskStatus(id, domain.TaskUpdate{Status: domain.TaskStatusCancelled}); err != nil {
		return err
	}
	q.dequeue(id)
	q.progress.Delete(id)

	if task.Status != domain.TaskStatusDownloading {
		log := q.logger.WithTask(task.ID, task.CapsuleID, string(task.FileType))
		if !q.releaseAsset(task, log) {
			if err := storage.RemoveFile(task.LocalPath); err != nil {
				log.Warn("Failed to remove partial file", "path", task.LocalPath, "error", err)
			}
		}
	}
	q.logger.Info("Task cancelled", "task_id", id)
	return nil
}

// signalActive raises s on a running task and reports whether it did. A
// task whose worker is already recording the outcome is waited for, so the
// caller sees the persisted status.
func (q *Queue) signalActive(id string, s signal) bool {
	q.mu.Lock()
	r, ok := q.active[id]
	if ok && !r.settled {
		r.raise(s)
		q.mu.Unlock()
		return true
	}
	q.mu.Unlock()
	if ok {
		<-r.done
	}
	return false
}

// Status reports task counts from the store plus the live queue.
func (q *Queue) Status() (*Status, error) {
	counts, err := q.store.GetQueueStatus()
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return &Status{
		QueueStatus: *counts,
		Queued:      len(q.pending),
		Running:     len(q.active),
		Workers:     q.cfg.Concurrency,
		Tracked:     q.progress.Len(),
	}, nil
}

// Progress returns the latest live sample for a task.
func (q *Queue) Progress(id string) (progress.Snapshot, bool) {
	return q.progress.Get(id)
}

// ProgressList returns the live samples of every running task.
func (q *Queue) ProgressList() []progress.Snapshot {
	return q.progress.List()
}

func (q *Queue) pollLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.poll()
			q.progress.Prune()
		}
	}
}

// poll enqueues pending rows created elsewhere. Paused rows stay put.
func (q *Queue) poll() {
	tasks, err := q.store.ListPendingTasks(q.cfg.PollLimit)
	if err != nil {
		q.logger.Error("Failed to list pending tasks", "error", err)
		return
	}

	added := 0
	for _, t := range tasks {
		if q.Enqueue(t) {
			added++
		}
	}
	if added > 0 {
		q.logger.Debug("Poller enqueued tasks", "count", added)
	}
}
