package videos

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/karyon/client/internal/logging"
	"github.com/karyon/client/internal/models"
)

// DefaultPollInterval is the refresh period while any video is processing.
const DefaultPollInterval = 3 * time.Second

// FetchFunc loads the current video collection.
type FetchFunc func(ctx context.Context) ([]models.Video, error)

// Poller refreshes the video collection on a timer for as long as any video
// is still processing. It arms and disarms itself on every collection change.
type Poller struct {
	fetch    FetchFunc
	onUpdate func([]models.Video)
	interval time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	videos   []models.Video
	stop     chan struct{}
	inFlight int
	issued   uint64
	applied  uint64
	closed   bool
}

// NewPoller constructs a disarmed Poller. onUpdate receives every collection
// the poller applies.
func NewPoller(fetch FetchFunc, onUpdate func([]models.Video), interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
		fetch:    fetch,
		onUpdate: onUpdate,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// NeedsPolling reports whether any video is in a non-terminal status.
func NeedsPolling(videos []models.Video) bool {
	for _, v := range videos {
		if !v.Status.Terminal() {
			return true
		}
	}
	return false
}

// Update replaces the collection and re-evaluates the timer. Fetches issued
// before the update can no longer overwrite it.
func (p *Poller) Update(videos []models.Video) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.issued++
	p.applied = p.issued
	p.videos = append([]models.Video(nil), videos...)
	p.reconcileLocked()
}

// Refresh fetches immediately and applies the result.
func (p *Poller) Refresh(ctx context.Context) error {
	seq, ok := p.begin(false)
	if !ok {
		return nil
	}
	videos, err := p.fetch(ctx)
	p.finish()
	if err != nil {
		return err
	}
	p.apply(seq, videos)
	return nil
}

// Videos returns the last applied collection.
func (p *Poller) Videos() []models.Video {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Video(nil), p.videos...)
}

// Armed reports whether the timer is running.
func (p *Poller) Armed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stop != nil
}

// Close disarms the timer and abandons any in-flight fetch. It is idempotent.
func (p *Poller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.disarmLocked()
	p.cancel()
}

func (p *Poller) reconcileLocked() {
	switch needs := NeedsPolling(p.videos); {
	case needs && p.stop == nil:
		p.stop = make(chan struct{})
		go p.run(p.stop)
		p.logger.Debug("poller armed", "interval", p.interval)
	case !needs && p.stop != nil:
		p.disarmLocked()
		p.logger.Debug("poller disarmed")
	}
}

func (p *Poller) disarmLocked() {
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}

func (p *Poller) run(stop <-chan struct{}) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Poller) tick() {
	seq, ok := p.begin(true)
	if !ok {
		return
	}

	ctx, span := logging.StartSpan(logging.WithLogger(p.ctx, p.logger), "poll videos", "seq", seq)
	videos, err := p.fetch(ctx)
	p.finish()
	if err != nil {
		if p.ctx.Err() == nil {
			span.Fail(err)
		}
		return
	}
	span.End("videos", len(videos))
	p.apply(seq, videos)
}

// begin reserves a sequence number. Timer ticks are skipped while another
// fetch is outstanding.
func (p *Poller) begin(fromTimer bool) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || (fromTimer && p.inFlight > 0) {
		return 0, false
	}
	p.inFlight++
	p.issued++
	return p.issued, true
}

func (p *Poller) finish() {
	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()
}

func (p *Poller) apply(seq uint64, videos []models.Video) {
	p.mu.Lock()
	if p.closed || seq <= p.applied {
		p.mu.Unlock()
		p.logger.Debug("discarding stale video list", "seq", seq)
		return
	}
	p.applied = seq
	p.videos = append([]models.Video(nil), videos...)
	p.reconcileLocked()
	snapshot := append([]models.Video(nil), p.videos...)
	p.mu.Unlock()

	if p.onUpdate != nil {
		p.onUpdate(snapshot)
	}
}
