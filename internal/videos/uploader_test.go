package videos

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/karyon/client/internal/api"
	"github.com/karyon/client/internal/models"
)

type stubUploadClient struct {
	mu    sync.Mutex
	files []string
	links []string
	fail  map[string]error
}

func (s *stubUploadClient) UploadFile(_ context.Context, path string) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, path)
	if err := s.fail[path]; err != nil {
		return models.Video{}, err
	}
	return models.Video{ID: int64(len(s.files) + len(s.links)), Title: path, Status: models.VideoStatusPending}, nil
}

func (s *stubUploadClient) UploadLink(_ context.Context, link api.LinkUpload) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links = append(s.links, link.URL)
	if err := s.fail[link.URL]; err != nil {
		return models.Video{}, err
	}
	return models.Video{ID: int64(len(s.files) + len(s.links)), Title: link.URL, Status: models.VideoStatusPending}, nil
}

func TestUploaderReportsEveryJob(t *testing.T) {
	client := &stubUploadClient{fail: map[string]error{"broken.mp4": errors.New("413 too large")}}

	var (
		mu      sync.Mutex
		results []UploadResult
	)
	u := NewUploader(client, UploaderConfig{Workers: 2, QueueSize: 1}, func(r UploadResult) {
		mu.Lock()
		results = append(results, r)
		mu.Unlock()
	}, nil)

	ctx := context.Background()
	jobs := []UploadJob{
		{Path: "a.mp4"},
		{Path: "broken.mp4"},
		{Link: api.LinkUpload{URL: "https://youtu.be/abc", Mode: models.ProcessingModeAudio}},
	}
	for _, job := range jobs {
		if err := u.Enqueue(ctx, job); err != nil {
			t.Fatalf("enqueue %s: %v", job.Source(), err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := u.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(results) != len(jobs) {
		t.Fatalf("expected %d results got %d", len(jobs), len(results))
	}
	failures := 0
	for _, r := range results {
		if r.Err != nil {
			failures++
			if r.Job.Source() != "broken.mp4" {
				t.Fatalf("unexpected failure for %s: %v", r.Job.Source(), r.Err)
			}
		}
	}
	if failures != 1 {
		t.Fatalf("expected one failure got %d", failures)
	}
}

func TestUploaderRejectsJobsAfterShutdown(t *testing.T) {
	u := NewUploader(&stubUploadClient{}, UploaderConfig{}, nil, nil)
	if err := u.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := u.Enqueue(context.Background(), UploadJob{Path: "late.mp4"}); !errors.Is(err, ErrUploaderClosed) {
		t.Fatalf("expected ErrUploaderClosed got %v", err)
	}
	if err := u.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

func TestUploadJobSource(t *testing.T) {
	if got := (UploadJob{Path: "clip.mov"}).Source(); got != "clip.mov" {
		t.Fatalf("unexpected source %q", got)
	}
	if got := (UploadJob{Link: api.LinkUpload{URL: "https://youtu.be/x"}}).Source(); got != "https://youtu.be/x" {
		t.Fatalf("unexpected source %q", got)
	}
}
