package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
)

// ErrFeedClosed is returned when publishing to a closed feed.
var ErrFeedClosed = errors.New("realtime: feed closed")

// Notice announces that a canvas committed a new version.
type Notice struct {
	CanvasID string `json:"canvas_id"`
	Version  int64  `json:"version"`
}

// Feed delivers per-canvas change notices. Subscribe streams are closed when the
// subscription ends, either by cancel, by ctx, or by a broken substrate.
type Feed interface {
	Publish(ctx context.Context, notice Notice) error
	Subscribe(ctx context.Context, canvasID string) (<-chan Notice, func(), error)
}

// FeedNotifier lets the canvas service announce commits on a Feed.
type FeedNotifier struct {
	feed Feed
}

// NewFeedNotifier wraps feed as a canvas.Notifier.
func NewFeedNotifier(feed Feed) *FeedNotifier {
	return &FeedNotifier{feed: feed}
}

// NotifyCanvasChanged publishes the committed version.
func (n *FeedNotifier) NotifyCanvasChanged(ctx context.Context, canvasID canvas.CanvasID, version int64) error {
	if n == nil || n.feed == nil {
		return nil
	}
	return n.feed.Publish(ctx, Notice{CanvasID: canvasID.String(), Version: version})
}

// LocalFeed is the in-process feed used by single-node deployments and tests.
type LocalFeed struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*localSubscriber
	nextID      int64
	bufferSize  int
	closed      bool
}

type localSubscriber struct {
	id     int64
	stream chan Notice
}

// NewLocalFeed constructs an empty in-process feed.
func NewLocalFeed() *LocalFeed {
	return &LocalFeed{
		subscribers: make(map[string]map[int64]*localSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener for canvasID until ctx ends or cancel is called.
func (f *LocalFeed) Subscribe(ctx context.Context, canvasID string) (<-chan Notice, func(), error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, nil, ErrFeedClosed
	}
	f.nextID++
	subscriber := &localSubscriber{id: f.nextID, stream: make(chan Notice, f.bufferSize)}
	if _, ok := f.subscribers[canvasID]; !ok {
		f.subscribers[canvasID] = make(map[int64]*localSubscriber)
	}
	f.subscribers[canvasID][subscriber.id] = subscriber
	f.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cleanup := func() {
		once.Do(func() {
			close(done)
			f.unregister(canvasID, subscriber.id)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return subscriber.stream, cleanup, nil
}

// Publish hands the notice to every subscriber of the canvas without blocking. A full
// buffer drops its oldest notice so the newest always gets through.
func (f *LocalFeed) Publish(_ context.Context, notice Notice) error {
	if notice.CanvasID == "" {
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrFeedClosed
	}
	for _, subscriber := range f.subscribers[notice.CanvasID] {
		offerLatest(subscriber.stream, notice)
	}
	return nil
}

// Close ends every subscription.
func (f *LocalFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for canvasID, subscribers := range f.subscribers {
		for _, subscriber := range subscribers {
			close(subscriber.stream)
		}
		delete(f.subscribers, canvasID)
	}
	return nil
}

func (f *LocalFeed) unregister(canvasID string, subscriberID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subscribers := f.subscribers[canvasID]
	subscriber, ok := subscribers[subscriberID]
	if !ok {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(f.subscribers, canvasID)
	}
	close(subscriber.stream)
}

func offerLatest(stream chan Notice, notice Notice) {
	select {
	case stream <- notice:
		return
	default:
	}
	select {
	case <-stream:
	default:
	}
	select {
	case stream <- notice:
	default:
	}
}
