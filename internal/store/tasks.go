package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/cesargomez89/capsulecache/internal/domain"
)

const taskColumns = `id, capsule_id, file_type, status, remote_url, remote_size, remote_hash, local_path,
	priority, retry_count, max_retries, progress, downloaded_bytes, speed_bytes_per_sec, eta_seconds,
	error_message, created_at, updated_at, started_at, completed_at`

func (db *DB) CreateTask(task *domain.DownloadTask) error {
	query := `INSERT INTO download_tasks (id, capsule_id, file_type, status, remote_url, remote_size, remote_hash,
		local_path, priority, retry_count, max_retries, created_at, updated_at)
		VALUES (:id, :capsule_id, :file_type, :status, :remote_url, :remote_size, :remote_hash,
		:local_path, :priority, :retry_count, :max_retries, :created_at, :updated_at)`

	_, err := db.NamedExec(query, task)
	return err
}

func (db *DB) GetTask(id string) (*domain.DownloadTask, error) {
	query := `SELECT ` + taskColumns + ` FROM download_tasks WHERE id = ?`

	task := &domain.DownloadTask{}
	err := db.Get(task, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (db *DB) GetActiveTask(capsuleID int64, fileType domain.FileType) (*domain.DownloadTask, error) {
	query := `SELECT ` + taskColumns + `
		FROM download_tasks
		WHERE capsule_id = ? AND file_type = ? AND status IN ('pending', 'downloading', 'paused')
		LIMIT 1`

	task := &domain.DownloadTask{}
	err := db.Get(task, query, capsuleID, fileType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// GetOrCreateTask inserts task unless an active task already targets the
// same asset, in which case the existing task is returned and created is false.
func (db *DB) GetOrCreateTask(task *domain.DownloadTask) (*domain.DownloadTask, bool, error) {
	existing, err := db.GetActiveTask(task.CapsuleID, task.FileType)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check for active task: %w", err)
	}
	if existing != nil {
		return existing, false, nil
	}

	if err := db.CreateTask(task); err != nil {
		// Lost a race against a concurrent creator; the partial index rejected us.
		if isUniqueViolation(err) {
			again, gErr := db.GetActiveTask(task.CapsuleID, task.FileType)
			if gErr != nil {
				return nil, false, gErr
			}
			if again != nil {
				return again, false, nil
			}
		}
		return nil, false, err
	}
	return task, true, nil
}

// ListPendingTasks returns pending and paused tasks, highest priority first.
func (db *DB) ListPendingTasks(limit int) ([]*domain.DownloadTask, error) {
	query := `SELECT ` + taskColumns + `
		FROM download_tasks
		WHERE status IN ('pending', 'paused')
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`

	var tasks []*domain.DownloadTask
	err := db.Select(&tasks, query, limit)
	return tasks, err
}

func (db *DB) ListTasks(limit int) ([]*domain.DownloadTask, error) {
	query := `SELECT ` + taskColumns + ` FROM download_tasks ORDER BY created_at DESC LIMIT ?`

	var tasks []*domain.DownloadTask
	err := db.Select(&tasks, query, limit)
	return tasks, err
}

// ListCapsuleTasks returns every task of the capsule that is not transferring.
func (db *DB) ListCapsuleTasks(capsuleID int64) ([]*domain.DownloadTask, error) {
	query := `SELECT ` + taskColumns + `
		FROM download_tasks
		WHERE capsule_id = ? AND status != 'downloading'
		ORDER BY created_at ASC`

	var tasks []*domain.DownloadTask
	err := db.Select(&tasks, query, capsuleID)
	return tasks, err
}

// UpdateTaskStatus applies upd to the task. started_at is stamped on the first
// move to downloading and completed_at on completion.
func (db *DB) UpdateTaskStatus(id string, upd domain.TaskUpdate) error {
	ts := now()
	sets := []string{"status = ?", "updated_at = ?"}
	args := []interface{}{upd.Status, ts}

	if upd.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *upd.Progress)
	}
	if upd.Bytes != nil {
		sets = append(sets, "downloaded_bytes = ?")
		args = append(args, *upd.Bytes)
	}
	if upd.Speed != nil {
		sets = append(sets, "speed_bytes_per_sec = ?")
		args = append(args, *upd.Speed)
	}
	if upd.ETA != nil {
		sets = append(sets, "eta_seconds = ?")
		args = append(args, *upd.ETA)
	}
	if upd.Error != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *upd.Error)
	}

	switch upd.Status {
	case domain.TaskStatusDownloading:
		if upd.Progress == nil || *upd.Progress == 0 {
			sets = append(sets, "started_at = COALESCE(started_at, ?)")
			args = append(args, ts)
		}
	case domain.TaskStatusCompleted:
		sets = append(sets, "completed_at = ?", "eta_seconds = NULL")
		args = append(args, ts)
	}

	query := `UPDATE download_tasks SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)

	res, err := db.Exec(query, args...)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// UpdateTaskProgress records a progress sample. It only touches tasks that are
// still downloading and returns ErrNotFound once the status was changed
// elsewhere (paused or cancelled from another process).
func (db *DB) UpdateTaskProgress(id string, progress float64, bytes int64, speed float64, eta *int64) error {
	query := `UPDATE download_tasks SET progress = ?, downloaded_bytes = ?, speed_bytes_per_sec = ?, eta_seconds = ?,
		updated_at = ? WHERE id = ? AND status = 'downloading'`
	res, err := db.Exec(query, progress, bytes, speed, eta, now(), id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// ClaimTask moves a pending task to downloading. It returns ErrNotFound when
// the task is no longer pending, so only one worker can own it.
func (db *DB) ClaimTask(id string) error {
	ts := now()
	query := `UPDATE download_tasks SET status = ?, started_at = COALESCE(started_at, ?), speed_bytes_per_sec = 0,
		updated_at = ? WHERE id = ? AND status = 'pending'`
	res, err := db.Exec(query, domain.TaskStatusDownloading, ts, ts, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// IncrementRetry counts one more retry spent by a running task.
func (db *DB) IncrementRetry(id string, errorMsg string) error {
	query := `UPDATE download_tasks SET retry_count = retry_count + 1, error_message = ?, updated_at = ? WHERE id = ?`
	res, err := db.Exec(query, errorMsg, now(), id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// RequeueTask puts a failed attempt back to pending with its new retry count.
func (db *DB) RequeueTask(id string, retryCount int, errorMsg string) error {
	query := `UPDATE download_tasks SET status = ?, retry_count = ?, error_message = ?, speed_bytes_per_sec = 0,
		eta_seconds = NULL, updated_at = ? WHERE id = ?`
	res, err := db.Exec(query, domain.TaskStatusPending, retryCount, errorMsg, now(), id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// HasActiveDownload reports whether a task is currently transferring the asset.
func (db *DB) HasActiveDownload(capsuleID int64, fileType domain.FileType) (bool, error) {
	query := `SELECT COUNT(*) FROM download_tasks WHERE capsule_id = ? AND file_type = ? AND status = 'downloading'`
	var count int
	err := db.Get(&count, query, capsuleID, fileType)
	return count > 0, err
}

// ResetStuckTasks returns tasks left downloading by a previous process to pending.
func (db *DB) ResetStuckTasks() (int64, error) {
	query := `UPDATE download_tasks SET status = ?, speed_bytes_per_sec = 0, eta_seconds = NULL, updated_at = ?
		WHERE status = 'downloading'`
	res, err := db.Exec(query, domain.TaskStatusPending, now())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) ClearFinishedTasks() (int64, error) {
	res, err := db.Exec(`DELETE FROM download_tasks WHERE status IN ('completed', 'failed', 'cancelled')`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) GetQueueStatus() (*domain.QueueStatus, error) {
	query := `SELECT
		COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) as pending,
		COALESCE(SUM(CASE WHEN status = 'downloading' THEN 1 ELSE 0 END), 0) as downloading,
		COALESCE(SUM(CASE WHEN status = 'paused' THEN 1 ELSE 0 END), 0) as paused,
		COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0) as completed,
		COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) as failed,
		COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0) as cancelled
	FROM download_tasks`

	status := &domain.QueueStatus{}
	err := db.Get(status, query)
	return status, err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
