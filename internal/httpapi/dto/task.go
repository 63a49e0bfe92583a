package dto

import (
	"github.com/cesargomez89/capsulecache/internal/domain"
	"github.com/cesargomez89/capsulecache/internal/progress"
	"github.com/cesargomez89/capsulecache/internal/queue"
)

type SubmitTaskRequest struct {
	Priority   *int   `json:"priority"`
	MaxRetries *int   `json:"max_retries"`
	RemoteURL  string `json:"remote_url"`
	RemoteHash string `json:"remote_hash"`
	FileType   string `json:"file_type"`
	CapsuleID  int64  `json:"capsule_id"`
	RemoteSize int64  `json:"remote_size"`
}

func (r *SubmitTaskRequest) Validate() []ValidationError {
	var errs []ValidationError
	errs = append(errs, validateCapsuleID(r.CapsuleID)...)
	errs = append(errs, validateFileType(r.FileType)...)
	errs = append(errs, validateRemoteURL(r.RemoteURL)...)
	errs = append(errs, validateHash(r.RemoteHash)...)
	errs = append(errs, validatePriority(r.Priority)...)
	size := r.RemoteSize
	errs = append(errs, validateNonNegative("remote_size", &size)...)
	if r.MaxRetries != nil && (*r.MaxRetries < 0 || *r.MaxRetries > 10) {
		errs = append(errs, ValidationError{Field: "max_retries", Message: "must be between 0 and 10"})
	}
	return errs
}

func (r *SubmitTaskRequest) ToSubmitRequest() queue.SubmitRequest {
	return queue.SubmitRequest{
		Priority:   r.Priority,
		MaxRetries: r.MaxRetries,
		RemoteURL:  r.RemoteURL,
		RemoteHash: r.RemoteHash,
		FileType:   domain.FileType(r.FileType),
		CapsuleID:  r.CapsuleID,
		RemoteSize: r.RemoteSize,
	}
}

// TaskResponse is a task row plus its live progress sample, if any.
type TaskResponse struct {
	*domain.DownloadTask
	Live *progress.Snapshot `json:"live,omitempty"`
}

func NewTaskResponse(t *domain.DownloadTask, live *progress.Snapshot) TaskResponse {
	return TaskResponse{DownloadTask: t, Live: live}
}
