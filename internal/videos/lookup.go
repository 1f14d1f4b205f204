package videos

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

// DefaultLookupDebounce is how long input must stay unchanged before a
// metadata lookup is issued.
const DefaultLookupDebounce = 800 * time.Millisecond

var videoLinkPattern = regexp.MustCompile(`^(https?://)?(www\.|m\.)?(youtube\.com/(watch\?v=|shorts/|embed/|live/)|youtu\.be/)[\w-]+`)

// IsVideoLink reports whether text looks like a hosted video link.
func IsVideoLink(text string) bool {
	return videoLinkPattern.MatchString(strings.TrimSpace(text))
}

// Lookup resolves a title for link input as the user types. Only the most
// recent input can set the title.
type Lookup struct {
	provider Provider
	debounce time.Duration
	onTitle  func(string)
	onError  func(error)
	logger   *slog.Logger

	// notifyMu serializes title callbacks.
	notifyMu sync.Mutex

	mu     sync.Mutex
	timer  *time.Timer
	cancel context.CancelFunc
	gen    uint64
	title  string
	closed bool
}

// NewLookup constructs a Lookup. onTitle receives every title change,
// including the empty string when input changes; onError receives lookup
// failures other than cancellation. Either callback may be nil. The title
// callback must not call back into the Lookup.
func NewLookup(provider Provider, debounce time.Duration, onTitle func(string), onError func(error), logger *slog.Logger) *Lookup {
	if debounce <= 0 {
		debounce = DefaultLookupDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Lookup{
		provider: provider,
		debounce: debounce,
		onTitle:  onTitle,
		onError:  onError,
		logger:   logger,
	}
}

// OnInputChange clears the current title and schedules a lookup for text
// when it is a video link.
func (l *Lookup) OnInputChange(text string) {
	text = strings.TrimSpace(text)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.gen++
	gen := l.gen
	cleared := l.title != ""
	l.title = ""

	if !IsVideoLink(text) {
		l.cancelLocked()
	} else {
		l.timer = time.AfterFunc(l.debounce, func() { l.issue(gen, text) })
	}
	l.mu.Unlock()

	if cleared {
		l.notifyTitle("")
	}
}

// Title returns the title resolved for the latest input.
func (l *Lookup) Title() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.title
}

// Close cancels the pending timer and any in-flight lookup.
func (l *Lookup) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.cancelLocked()
}

func (l *Lookup) cancelLocked() {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
}

func (l *Lookup) issue(gen uint64, link string) {
	l.mu.Lock()
	if l.closed || gen != l.gen {
		l.mu.Unlock()
		return
	}
	l.timer = nil
	l.cancelLocked()
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.mu.Unlock()

	if l.provider == nil {
		cancel()
		l.notifyError(ErrProviderUnavailable)
		return
	}

	meta, err := l.provider.Lookup(ctx, link)

	l.mu.Lock()
	if ctx.Err() != nil || l.closed || gen != l.gen {
		l.mu.Unlock()
		cancel()
		l.logger.Debug("dropping superseded lookup", "url", link)
		return
	}
	l.cancel = nil
	cancel()
	if err != nil {
		l.mu.Unlock()
		l.notifyError(err)
		return
	}
	if meta.Title == "" {
		l.mu.Unlock()
		return
	}
	l.title = meta.Title
	l.mu.Unlock()

	l.notifyTitle(meta.Title)
}

// notifyTitle delivers title only while it is still the current title, so
// the last value onTitle sees always matches Title.
func (l *Lookup) notifyTitle(title string) {
	if l.onTitle == nil {
		return
	}

	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	l.mu.Lock()
	current := !l.closed && l.title == title
	l.mu.Unlock()
	if current {
		l.onTitle(title)
	}
}

func (l *Lookup) notifyError(err error) {
	l.logger.Warn("metadata lookup failed", "error", err)
	if l.onError != nil {
		l.onError(err)
	}
}
