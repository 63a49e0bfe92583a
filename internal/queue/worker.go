package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/cesargomez89/capsulecache/internal/cache"
	"github.com/cesargomez89/capsulecache/internal/domain"
	"github.com/cesargomez89/capsulecache/internal/logger"
	"github.com/cesargomez89/capsulecache/internal/progress"
	"github.com/cesargomez89/capsulecache/internal/remote"
	"github.com/cesargomez89/capsulecache/internal/retry"
	"github.com/cesargomez89/capsulecache/internal/storage"
	"github.com/cesargomez89/capsulecache/internal/store"
	"github.com/cesargomez89/capsulecache/internal/transfer"
)

// backoff schedules a failed task to be enqueued again. A nil policy
// enqueues it right away.
type backoff struct {
	policy *retry.Policy
	n      int
}

func (q *Queue) work() {
	defer q.wg.Done()

	for {
		r := q.next()
		if r == nil {
			return
		}
		retryPlan := q.runTask(q.ctx, r)
		q.finish(r, retryPlan)
	}
}

// next blocks until a task is available and hands its ownership to the
// caller. It returns nil once the queue is closed.
func (q *Queue) next() *running {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil
	}

	task := heap.Pop(&q.pending).(*domain.DownloadTask)
	delete(q.queued, task.ID)
	r := newRunning(task)
	q.active[task.ID] = r
	q.metrics.SetQueueDepth(len(q.pending))
	return r
}

func (q *Queue) finish(r *running, plan *backoff) {
	id := r.task.ID
	q.mu.Lock()
	r.settled = true
	delete(q.active, id)
	switch {
	case plan == nil:
	case plan.policy == nil:
		r.task.Status = domain.TaskStatusPending
		q.pushLocked(r.task)
	default:
		q.delayed[id] = struct{}{}
		q.wg.Add(1)
		go q.requeueAfter(id, plan)
	}
	close(r.done)
	q.cond.Broadcast()
	q.mu.Unlock()
}

// settle stops control requests from reaching the worker and returns the
// signal the outcome is recorded against.
func (q *Queue) settle(r *running) signal {
	q.mu.Lock()
	defer q.mu.Unlock()
	r.settled = true
	return signal(r.signal.Load())
}

// requeueAfter waits out the backoff and enqueues the task again if it is
// still pending. On shutdown the row stays pending for the next start.
func (q *Queue) requeueAfter(id string, plan *backoff) {
	defer q.wg.Done()

	waitErr := plan.policy.Wait(q.ctx, plan.n)

	var task *domain.DownloadTask
	if waitErr == nil {
		t, err := q.store.GetTask(id)
		if err != nil {
			q.logger.Error("Failed to reload task for retry", "task_id", id, "error", err)
		}
		task = t
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.delayed, id)
	if task != nil && task.Status == domain.TaskStatusPending {
		q.pushLocked(task)
	}
	q.cond.Broadcast()
}

func (q *Queue) runTask(ctx context.Context, r *running) (plan *backoff) {
	task := r.task
	log := q.logger.WithTask(task.ID, task.CapsuleID, string(task.FileType))

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("Panic in task", "panic", rec)
			msg := fmt.Sprintf("Panic: %v", rec)
			_ = q.store.UpdateTaskStatus(task.ID, domain.TaskUpdate{Status: domain.TaskStatusFailed, Error: &msg})
			plan = nil
		}
	}()

	if err := q.store.ClaimTask(task.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Debug("Task is no longer pending, skipping")
			return nil
		}
		log.Error("Failed to claim task", "error", err)
		return nil
	}

	// The queued copy may predate retries or edits made by earlier attempts.
	if fresh, err := q.store.GetTask(task.ID); err == nil && fresh != nil {
		task = fresh
		r.task = fresh
	}

	if err := q.store.UpdateAssetStatus(task.CapsuleID, task.FileType, domain.AssetStatusDownloading); err != nil {
		log.Warn("Failed to mark asset downloading", "error", err)
	}

	q.metrics.DownloadStarted()
	defer q.metrics.DownloadStopped()

	log.Info("Starting download", "url", task.RemoteURL, "retry_count", task.RetryCount, "max_retries", task.MaxRetries)
	started := time.Now()

	policy := q.policy.WithMaxRetries(task.MaxRetries)
	req := transfer.Request{
		Policy:       policy,
		RemoteURL:    task.RemoteURL,
		LocalPath:    task.LocalPath,
		ExpectedHash: task.RemoteHash,
		ExpectedSize: task.RemoteSize,
		RetryCount:   task.RetryCount,
	}

	res, err := q.engine.Transfer(ctx, req, q.hooks(task, r, log))
	sig := q.settle(r)
	switch {
	case err == nil:
		q.complete(ctx, task, res, time.Since(started), log)
		return nil
	case transfer.IsInterrupt(err), sig != signalNone && ctx.Err() == nil:
		return q.interrupted(task, sig, log)
	case ctx.Err() != nil:
		q.progress.Delete(task.ID)
		if rErr := q.store.RequeueTask(task.ID, task.RetryCount, ""); rErr != nil {
			log.Error("Failed to requeue task on shutdown", "error", rErr)
		}
		log.Info("Download interrupted by shutdown")
		return nil
	default:
		return q.fail(task, policy, err, log)
	}
}

func (q *Queue) hooks(task *domain.DownloadTask, r *running, log *logger.Logger) transfer.Hooks {
	return transfer.Hooks{
		Interrupt: func() error {
			switch signal(r.signal.Load()) {
			case signalCancel:
				return transfer.ErrCancelled
			case signalPause:
				return transfer.ErrPaused
			}
			return nil
		},
		OnProgress: func(p transfer.Progress) {
			q.progress.Set(task.ID, progress.Snapshot{
				ETASeconds:      p.ETASeconds,
				DownloadedBytes: p.DownloadedBytes,
				TotalBytes:      p.TotalBytes,
				Percent:         p.Percent,
				Speed:           p.Speed,
			})

			err := q.store.UpdateTaskProgress(task.ID, p.Percent, p.DownloadedBytes, p.Speed, p.ETASeconds)
			if errors.Is(err, store.ErrNotFound) {
				q.observeExternal(task.ID, r, log)
			} else if err != nil {
				log.Warn("Failed to save progress", "error", err)
			}

			if err := q.store.UpdateAssetProgress(task.CapsuleID, task.FileType, p.Percent); err != nil {
				log.Warn("Failed to save asset progress", "error", err)
			}
		},
		OnRetry: func(n int, err error) {
			task.RetryCount = n
			q.metrics.DownloadRetried()
			if sErr := q.store.IncrementRetry(task.ID, err.Error()); sErr != nil {
				log.Warn("Failed to record retry", "error", sErr)
			}
		},
	}
}

// observeExternal maps a status change made outside this worker, typically
// by another process, onto the running task's signal.
func (q *Queue) observeExternal(id string, r *running, log *logger.Logger) {
	current, err := q.store.GetTask(id)
	if err != nil {
		log.Warn("Failed to reload task", "error", err)
		return
	}
	if current == nil {
		r.raise(signalCancel)
		return
	}
	switch current.Status {
	case domain.TaskStatusPaused:
		log.Info("Task paused externally")
		r.raise(signalPause)
	case domain.TaskStatusCancelled:
		log.Info("Task cancelled externally")
		r.raise(signalCancel)
	}
}

func (q *Queue) complete(ctx context.Context, task *domain.DownloadTask, res *transfer.Result, elapsed time.Duration, log *logger.Logger) {
	q.progress.Delete(task.ID)

	hundred := 100.0
	total := res.TotalBytes
	zero := 0.0
	upd := domain.TaskUpdate{Status: domain.TaskStatusCompleted, Progress: &hundred, Bytes: &total, Speed: &zero}
	if err := q.store.UpdateTaskStatus(task.ID, upd); err != nil {
		log.Error("Failed to mark task completed", "error", err)
	}

	entry := &domain.CacheEntry{
		CapsuleID: task.CapsuleID,
		FileType:  task.FileType,
		FilePath:  task.LocalPath,
		FileSize:  res.TotalBytes,
		FileHash:  res.FinalHash,
	}
	if err := q.store.UpsertCacheEntry(entry); err != nil {
		log.Error("Failed to record cache entry", "error", err)
	}
	if err := q.store.MarkAssetLocal(task.CapsuleID, task.FileType, domain.AssetStatusCached, task.LocalPath, res.TotalBytes, res.FinalHash); err != nil {
		log.Error("Failed to mark asset cached", "error", err)
	}

	q.metrics.DownloadFinished("completed", res.BytesTransferred, elapsed)
	log.Info("Download completed",
		"size", humanize.Bytes(uint64(res.TotalBytes)),
		"resumed_from", res.ResumedFrom,
		"retries", res.Retries,
		"elapsed", elapsed.Round(time.Millisecond),
	)

	q.autoPurge(ctx, log)
}

func (q *Queue) autoPurge(ctx context.Context, log *logger.Logger) {
	if q.purger == nil || !q.purger.AutoPurge() {
		return
	}

	status, err := q.purger.GetStatus(ctx)
	if err != nil {
		log.Warn("Failed to read cache status", "error", err)
		return
	}
	if !status.NeedsPurge {
		return
	}

	res, err := q.purger.PurgeOldCache(ctx, cache.DefaultPurgeOptions())
	if errors.Is(err, cache.ErrPurgeInProgress) {
		log.Debug("Auto-purge skipped, another purge is running")
		return
	}
	if err != nil {
		log.Warn("Auto-purge failed", "error", err)
		return
	}
	log.Info("Auto-purge finished",
		"files_deleted", res.FilesDeleted,
		"space_freed", humanize.Bytes(uint64(res.SpaceFreed)),
	)
}

// interrupted records a stopped task against the signal read when its
// worker settled. A pause resumed before then puts the task straight back
// in the queue.
func (q *Queue) interrupted(task *domain.DownloadTask, sig signal, log *logger.Logger) *backoff {
	q.progress.Delete(task.ID)
	zero := 0.0

	switch sig {
	case signalNone:
		if err := q.store.RequeueTask(task.ID, task.RetryCount, ""); err != nil {
			log.Error("Failed to requeue resumed task", "error", err)
			return nil
		}
		q.metrics.DownloadFinished("requeued", 0, 0)
		log.Info("Download resumed before it paused, requeued")
		return &backoff{}
	case signalCancel:
		if err := q.store.UpdateTaskStatus(task.ID, domain.TaskUpdate{Status: domain.TaskStatusCancelled, Speed: &zero}); err != nil {
			log.Error("Failed to mark task cancelled", "error", err)
		}
		if !q.releaseAsset(task, log) {
			if err := storage.RemoveFile(task.LocalPath); err != nil {
				log.Warn("Failed to remove partial file", "path", task.LocalPath, "error", err)
			}
		}
		q.metrics.DownloadFinished("cancelled", 0, 0)
		log.Info("Download cancelled")
		return nil
	}

	if err := q.store.UpdateTaskStatus(task.ID, domain.TaskUpdate{Status: domain.TaskStatusPaused, Speed: &zero}); err != nil {
		log.Error("Failed to mark task paused", "error", err)
	}
	q.releaseAsset(task, log)
	q.metrics.DownloadFinished("paused", 0, 0)
	log.Info("Download paused")
	return nil
}

// fail either schedules another attempt or records the task as failed.
// Missing objects are not retried.
func (q *Queue) fail(task *domain.DownloadTask, policy *retry.Policy, cause error, log *logger.Logger) *backoff {
	q.progress.Delete(task.ID)
	msg := cause.Error()

	permanent := errors.Is(cause, remote.ErrNotFound) || errors.Is(cause, remote.ErrUnsupportedScheme)
	if !permanent && policy.Allow(task.RetryCount) {
		next := task.RetryCount + 1
		if err := q.store.RequeueTask(task.ID, next, msg); err != nil {
			log.Error("Failed to requeue task", "error", err)
			return nil
		}
		q.metrics.DownloadFinished("requeued", 0, 0)
		log.Warn("Download failed, will retry", "retry_count", next, "max_retries", task.MaxRetries, "error", cause)
		return &backoff{policy: policy, n: next}
	}

	zero := 0.0
	if err := q.store.UpdateTaskStatus(task.ID, domain.TaskUpdate{Status: domain.TaskStatusFailed, Error: &msg, Speed: &zero}); err != nil {
		log.Error("Failed to mark task failed", "error", err)
	}
	q.releaseAsset(task, log)
	q.metrics.DownloadFinished("failed", 0, 0)
	log.Error("Download failed", "retry_count", task.RetryCount, "error", cause)
	return nil
}

// releaseAsset returns the asset to cloud_only unless a cached copy is still
// resident, and reports whether one is.
func (q *Queue) releaseAsset(task *domain.DownloadTask, log *logger.Logger) bool {
	entry, err := q.store.GetCacheEntry(task.CapsuleID, task.FileType)
	if err != nil {
		log.Warn("Failed to look up cache entry", "error", err)
	}

	status := domain.AssetStatusCloudOnly
	if entry != nil {
		status = domain.AssetStatusCached
	}
	if err := q.store.UpdateAssetStatus(task.CapsuleID, task.FileType, status); err != nil {
		log.Warn("Failed to reset asset status", "status", status, "error", err)
	}
	return entry != nil
}
