// Package transfer implements resumable, checksum-verified downloads of a
// single remote object to a local file.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/cesargomez89/capsulecache/internal/constants"
	"github.com/cesargomez89/capsulecache/internal/logger"
	"github.com/cesargomez89/capsulecache/internal/remote"
	"github.com/cesargomez89/capsulecache/internal/retry"
	"github.com/cesargomez89/capsulecache/internal/storage"
)

// Request describes one transfer.
type Request struct {
	// Policy overrides the engine's retry budget for this transfer.
	Policy       *retry.Policy
	RemoteURL    string
	LocalPath    string
	ExpectedHash string
	ExpectedSize int64
	// RetryCount is the number of retries already spent by earlier attempts.
	RetryCount int
}

// Result reports a finished transfer.
type Result struct {
	FinalHash        string
	BytesTransferred int64
	TotalBytes       int64
	ResumedFrom      int64
	Retries          int
	Success          bool
}

// Progress is a throttled transfer sample.
type Progress struct {
	ETASeconds      *int64
	DownloadedBytes int64
	TotalBytes      int64
	Percent         float64
	Speed           float64
}

// Hooks lets callers observe and steer a transfer. All fields are optional.
type Hooks struct {
	OnProgress func(Progress)
	// OnRetry receives the task-wide retry count after it was incremented.
	OnRetry func(retryCount int, err error)
	// Interrupt is polled between chunks. A non-nil return stops the
	// transfer and is returned as is; the partial file is kept.
	Interrupt func() error
}

// Engine performs transfers against a remote.Source.
type Engine struct {
	source        remote.Source
	policy        *retry.Policy
	logger        *logger.Logger
	now           func() time.Time
	chunkSize     int
	progressEvery time.Duration
}

type Option func(*Engine)

// WithChunkSize sets the read buffer size.
func WithChunkSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithProgressInterval sets the minimum time between progress samples.
func WithProgressInterval(d time.Duration) Option {
	return func(e *Engine) {
		e.progressEvery = d
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(source remote.Source, policy *retry.Policy, log *logger.Logger, opts ...Option) *Engine {
	if policy == nil {
		policy = retry.Default(constants.DefaultMaxRetries)
	}
	if log == nil {
		log = logger.Default()
	}
	e := &Engine{
		source:        source,
		policy:        policy,
		logger:        log.WithComponent("transfer"),
		now:           time.Now,
		chunkSize:     constants.ChunkSize,
		progressEvery: constants.ProgressUpdateFreq,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Transfer downloads req.RemoteURL into req.LocalPath, resuming from any
// bytes already on disk. Network errors are retried while the shared budget
// allows; a checksum mismatch is returned without retrying.
func (e *Engine) Transfer(ctx context.Context, req Request, hooks Hooks) (*Result, error) {
	policy := req.Policy
	if policy == nil {
		policy = e.policy
	}

	res := &Result{ResumedFrom: -1}
	probed := false
	retries := 0

	for {
		err := e.attempt(ctx, req, hooks, res, &probed)
		if err == nil {
			res.Retries = retries
			res.Success = true
			return res, nil
		}

		var netErr *NetworkError
		if !errors.As(err, &netErr) {
			res.Retries = retries
			return res, err
		}

		used := req.RetryCount + retries
		if !policy.Allow(used) {
			res.Retries = retries
			return res, fmt.Errorf("gave up after %d retries: %w", used, err)
		}

		retries++
		e.logger.Warn("Transfer interrupted, retrying",
			"url", req.RemoteURL,
			"retry", used+1,
			"max_retries", policy.MaxRetries,
			"error", netErr.Err,
		)
		if hooks.OnRetry != nil {
			hooks.OnRetry(used+1, err)
		}

		if err := waitRetry(ctx, policy, used+1, hooks); err != nil {
			res.Retries = retries
			return res, err
		}
	}
}

// attempt runs a single probe + ranged read + verify pass.
func (e *Engine) attempt(ctx context.Context, req Request, hooks Hooks, res *Result, probed *bool) error {
	if err := interrupted(ctx, hooks); err != nil {
		return err
	}

	offset, err := storage.FileSize(req.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to stat local file: %w", err)
	}

	info, err := e.source.Stat(ctx, req.RemoteURL)
	if err != nil {
		if *probed && remote.IsRetryable(err) {
			return &NetworkError{Err: err}
		}
		return fmt.Errorf("%w: %w", ErrProbeFailed, err)
	}
	total := info.Size
	if !*probed {
		*probed = true
		if req.ExpectedSize > 0 && req.ExpectedSize != total {
			e.logger.Warn("Remote size differs from expected size",
				"url", req.RemoteURL,
				"expected", req.ExpectedSize,
				"remote", total,
			)
		}
	}
	res.TotalBytes = total

	if err := storage.EnsureParent(req.LocalPath); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	if offset > total {
		e.logger.Warn("Local file is larger than remote object, restarting",
			"path", req.LocalPath,
			"local", offset,
			"remote", total,
		)
		if err := storage.RemoveFile(req.LocalPath); err != nil {
			return fmt.Errorf("failed to remove stale file: %w", err)
		}
		offset = 0
	}
	if res.ResumedFrom < 0 {
		res.ResumedFrom = offset
	}

	if offset < total || total == 0 {
		if offset > 0 {
			e.logger.Info("Resuming transfer",
				"url", req.RemoteURL,
				"from", humanize.IBytes(uint64(offset)),
				"total", humanize.IBytes(uint64(total)),
			)
		}
		n, err := e.stream(ctx, req, hooks, offset, total)
		res.BytesTransferred += n
		if err != nil {
			return err
		}
	}

	return e.verify(req, res)
}

// stream appends bytes [offset, total) to the local file.
func (e *Engine) stream(ctx context.Context, req Request, hooks Hooks, offset, total int64) (int64, error) {
	f, err := storage.OpenAppend(req.LocalPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open destination file: %w", err)
	}
	defer f.Close()

	if offset >= total {
		return 0, nil
	}

	body, err := e.source.OpenRange(ctx, req.RemoteURL, offset)
	if err != nil {
		if remote.IsRetryable(err) {
			return 0, &NetworkError{Err: err}
		}
		return 0, err
	}
	defer body.Close()

	return e.copyChunks(ctx, f, io.LimitReader(body, total-offset), hooks, offset, total)
}

func (e *Engine) copyChunks(ctx context.Context, f *os.File, body io.Reader, hooks Hooks, offset, total int64) (int64, error) {
	buf := make([]byte, e.chunkSize)
	start := e.now()
	lastReport := start
	downloaded := offset
	var written int64

	for downloaded < total {
		if err := interrupted(ctx, hooks); err != nil {
			return written, err
		}

		n, rerr := io.ReadFull(body, buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return written, fmt.Errorf("failed to write chunk: %w", werr)
			}
			written += int64(n)
			downloaded += int64(n)

			if now := e.now(); now.Sub(lastReport) >= e.progressEvery {
				lastReport = now
				emit(hooks, sample(downloaded, total, written, now.Sub(start)))
			}
		}

		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			if remote.IsRetryable(rerr) {
				return written, &NetworkError{Err: rerr}
			}
			return written, fmt.Errorf("failed to read chunk: %w", rerr)
		}
	}

	if downloaded < total {
		return written, &NetworkError{Err: fmt.Errorf("stream ended at %d of %d bytes: %w", downloaded, total, io.ErrUnexpectedEOF)}
	}

	emit(hooks, sample(downloaded, total, written, e.now().Sub(start)))
	return written, nil
}

// verify hashes the completed file and compares it with the expected hash.
func (e *Engine) verify(req Request, res *Result) error {
	hash, err := storage.HashFile(req.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to hash file: %w", err)
	}

	if req.ExpectedHash != "" && !strings.EqualFold(hash, req.ExpectedHash) {
		e.logger.Error("Checksum mismatch, removing file",
			"path", req.LocalPath,
			"expected", req.ExpectedHash,
			"actual", hash,
		)
		if rmErr := storage.RemoveFile(req.LocalPath); rmErr != nil {
			e.logger.Warn("Failed to remove corrupt file", "path", req.LocalPath, "error", rmErr)
		}
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, req.ExpectedHash, hash)
	}

	res.FinalHash = hash
	return nil
}

func sample(downloaded, total, sinceStart int64, elapsed time.Duration) Progress {
	p := Progress{
		DownloadedBytes: downloaded,
		TotalBytes:      total,
	}
	if total > 0 {
		p.Percent = float64(downloaded) / float64(total) * 100
	}
	if secs := elapsed.Seconds(); secs > 0 {
		p.Speed = float64(sinceStart) / secs
	}
	if p.Speed > 0 {
		eta := int64(float64(total-downloaded) / p.Speed)
		p.ETASeconds = &eta
	}
	return p
}

func emit(hooks Hooks, p Progress) {
	if hooks.OnProgress != nil {
		hooks.OnProgress(p)
	}
}

// waitRetry sleeps out the backoff of retry n. The interrupt hook is polled
// meanwhile so a pause or cancel ends the wait early.
func waitRetry(ctx context.Context, policy *retry.Policy, n int, hooks Hooks) error {
	if err := interrupted(ctx, hooks); err != nil {
		return err
	}
	if hooks.Interrupt == nil {
		return policy.Wait(ctx, n)
	}

	waitCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(constants.InterruptPollFreq)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-waitCtx.Done():
				return
			case <-ticker.C:
				if err := hooks.Interrupt(); err != nil {
					cancel(err)
					return
				}
			}
		}
	}()

	err := policy.Wait(waitCtx, n)
	close(stop)
	wg.Wait()

	if cause := context.Cause(waitCtx); IsInterrupt(cause) {
		return cause
	}
	return err
}

func interrupted(ctx context.Context, hooks Hooks) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if hooks.Interrupt != nil {
		return hooks.Interrupt()
	}
	return nil
}
