package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"poly-sniper/internal/event"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// NewsFeed polls JSON headline endpoints and emits each previously unseen
// item as an external signal. Dedupe is by item id (falling back to the
// link, then the title) over a bounded recently-seen window.
type NewsFeed struct {
	name     string
	urls     []string
	interval time.Duration
	client   *http.Client
	log      *zap.Logger

	seenLimit int
	seen      map[string]struct{}
	seenOrder []string

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
	started   bool

	out chan event.Event
}

func NewNewsFeed(name string, urls []string, interval time.Duration, seenLimit int, log *zap.Logger) *NewsFeed {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if seenLimit <= 0 {
		seenLimit = 500
	}
	return &NewsFeed{
		name:      name,
		urls:      urls,
		interval:  interval,
		client:    &http.Client{Timeout: 15 * time.Second},
		log:       log,
		seenLimit: seenLimit,
		seen:      make(map[string]struct{}),
		out:       make(chan event.Event, 64),
	}
}

func (f *NewsFeed) Name() string { return f.name }

// Connect verifies at least one endpoint responds, then marks the feed live.
func (f *NewsFeed) Connect(ctx context.Context) error {
	var lastErr error
	for _, url := range f.urls {
		if _, err := f.fetch(ctx, url); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrConnection, lastErr)
	}
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

// Subscribe is a no-op. Headlines are not token scoped.
func (f *NewsFeed) Subscribe(tokenIDs ...string) error { return nil }

func (f *NewsFeed) Stream() <-chan event.Event {
	f.mu.Lock()
	if !f.started {
		f.started = true
		ctx, cancel := context.WithCancel(context.Background())
		f.cancel = cancel
		go f.run(ctx)
	}
	f.mu.Unlock()
	return f.out
}

func (f *NewsFeed) run(ctx context.Context) {
	defer close(f.out)
	f.pollAll(ctx)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.pollAll(ctx)
		}
	}
}

func (f *NewsFeed) pollAll(ctx context.Context) {
	for _, url := range f.urls {
		body, err := f.fetch(ctx, url)
		if err != nil {
			f.log.Warn("news poll failed", zap.String("feed", f.name), zap.String("url", url), zap.Error(err))
			continue
		}
		for _, ev := range f.extract(body, url) {
			select {
			case f.out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (f *NewsFeed) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// extract pulls unseen items out of a headline payload. Accepts either a
// top-level array or an object with an "items" array.
func (f *NewsFeed) extract(body []byte, source string) []event.Event {
	root := gjson.ParseBytes(body)
	items := root
	if !root.IsArray() {
		items = root.Get("items")
	}
	var events []event.Event
	items.ForEach(func(_, item gjson.Result) bool {
		key := item.Get("id").String()
		if key == "" {
			key = item.Get("link").String()
		}
		title := item.Get("title").String()
		if key == "" {
			key = title
		}
		if key == "" || f.markSeen(key) {
			return true
		}
		ev, err := event.NewExternalSignal(title, source)
		if err != nil {
			return true
		}
		events = append(events, ev)
		return true
	})
	return events
}

// markSeen records key and reports whether it was already present. The
// window is bounded: the oldest entry is evicted past seenLimit.
func (f *NewsFeed) markSeen(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[key]; ok {
		return true
	}
	f.seen[key] = struct{}{}
	f.seenOrder = append(f.seenOrder, key)
	if len(f.seenOrder) > f.seenLimit {
		oldest := f.seenOrder[0]
		f.seenOrder = f.seenOrder[1:]
		delete(f.seen, oldest)
	}
	return false
}

func (f *NewsFeed) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	if f.cancel != nil {
		f.cancel()
		f.cancel = nil
	}
	return nil
}

// Err is always nil: failed polls are logged and retried on the next
// interval, so the feed has no permanent-failure state.
func (f *NewsFeed) Err() error { return nil }

func (f *NewsFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}
