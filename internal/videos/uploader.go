package videos

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/karyon/client/internal/api"
	"github.com/karyon/client/internal/models"
)

// UploadClient submits videos to the API.
type UploadClient interface {
	UploadFile(ctx context.Context, path string) (models.Video, error)
	UploadLink(ctx context.Context, link api.LinkUpload) (models.Video, error)
}

// UploadJob is either a local file or a link.
type UploadJob struct {
	Path string
	Link api.LinkUpload
}

// Source names the job for reporting.
func (j UploadJob) Source() string {
	if j.Path != "" {
		return j.Path
	}
	return j.Link.URL
}

// UploadResult is the outcome of one job.
type UploadResult struct {
	Job   UploadJob
	Video models.Video
	Err   error
}

// UploaderConfig controls the concurrency characteristics of the uploader.
type UploaderConfig struct {
	QueueSize int
	Workers   int
	// Timeout bounds a single upload.
	Timeout time.Duration
}

// Uploader submits queued uploads on a fixed pool of workers and reports
// every outcome through onResult.
type Uploader struct {
	client   UploadClient
	onResult func(UploadResult)
	timeout  time.Duration
	logger   *slog.Logger

	jobs   chan UploadJob
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewUploader starts the worker pool.
func NewUploader(client UploadClient, cfg UploaderConfig, onResult func(UploadResult), logger *slog.Logger) *Uploader {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	u := &Uploader{
		client:   client,
		onResult: onResult,
		timeout:  cfg.Timeout,
		logger:   logger,
		jobs:     make(chan UploadJob, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}

	u.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go u.worker()
	}

	return u
}

// Enqueue schedules job.
func (u *Uploader) Enqueue(ctx context.Context, job UploadJob) error {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.closed {
		return ErrUploaderClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-u.ctx.Done():
		return ErrUploaderClosed
	case u.jobs <- job:
		return nil
	}
}

// Shutdown stops accepting jobs and waits for queued ones to finish. When ctx
// expires first, in-flight uploads are cancelled.
func (u *Uploader) Shutdown(ctx context.Context) error {
	u.once.Do(func() {
		u.mu.Lock()
		u.closed = true
		close(u.jobs)
		u.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		u.cancel()
		return ctx.Err()
	case <-done:
		u.cancel()
		return nil
	}
}

func (u *Uploader) worker() {
	defer u.wg.Done()

	for job := range u.jobs {
		u.handle(job)
	}
}

func (u *Uploader) handle(job UploadJob) {
	result := UploadResult{Job: job}

	if u.ctx.Err() != nil {
		result.Err = ErrUploaderClosed
	} else {
		ctx, cancel := context.WithTimeout(u.ctx, u.timeout)
		if job.Path != "" {
			result.Video, result.Err = u.client.UploadFile(ctx, job.Path)
		} else {
			result.Video, result.Err = u.client.UploadLink(ctx, job.Link)
		}
		cancel()
	}

	if result.Err != nil {
		u.logger.Error("upload failed", "source", job.Source(), "error", result.Err)
	} else {
		u.logger.Info("upload accepted", "source", job.Source(), "videoId", result.Video.ID)
	}
	if u.onResult != nil {
		u.onResult(result)
	}
}
