package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/canvas/internal/canvas"
)

const (
	defaultRetryBackoff    = 50 * time.Millisecond
	defaultMaxRetryBackoff = 2 * time.Second
	maxStaleReads          = 5
)

var (
	errMissingFeed   = errors.New("realtime: feed is required")
	errMissingLoader = errors.New("realtime: snapshot loader is required")
	errFeedEnded     = errors.New("realtime: feed subscription ended")
	errStaleRead     = errors.New("realtime: snapshot older than announced version")
)

// SnapshotLoader reads a consistent canvas snapshot.
type SnapshotLoader interface {
	Snapshot(ctx context.Context, canvasID canvas.CanvasID) (canvas.Snapshot, error)
}

// PublisherConfig wires the publisher's collaborators.
type PublisherConfig struct {
	Feed            Feed
	Loader          SnapshotLoader
	Logger          *zap.Logger
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// Publisher fans version-stamped snapshots out to subscribers. Subscribers of the same
// canvas share one hub: one feed subscription and one snapshot load per change.
type Publisher struct {
	feed            Feed
	loader          SnapshotLoader
	logger          *zap.Logger
	retryBackoff    time.Duration
	maxRetryBackoff time.Duration

	mu     sync.Mutex
	hubs   map[string]*hub
	nextID int64
	closed bool
}

// NewPublisher validates the configuration.
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.Feed == nil {
		return nil, errMissingFeed
	}
	if cfg.Loader == nil {
		return nil, errMissingLoader
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultRetryBackoff
	}
	maxRetryBackoff := cfg.MaxRetryBackoff
	if maxRetryBackoff < retryBackoff {
		maxRetryBackoff = defaultMaxRetryBackoff
		if maxRetryBackoff < retryBackoff {
			maxRetryBackoff = retryBackoff
		}
	}
	return &Publisher{
		feed:            cfg.Feed,
		loader:          cfg.Loader,
		logger:          logger,
		retryBackoff:    retryBackoff,
		maxRetryBackoff: maxRetryBackoff,
		hubs:            make(map[string]*hub),
	}, nil
}

// Subscribe attaches to the canvas stream. The channel holds at most the latest
// snapshot, never goes backwards in version, and is closed on detach.
func (p *Publisher) Subscribe(ctx context.Context, canvasID canvas.CanvasID) (<-chan canvas.Snapshot, func()) {
	sub := &subscriber{
		stream:   make(chan canvas.Snapshot, 1),
		detached: make(chan struct{}),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		sub.close()
		return sub.stream, func() {}
	}
	h := p.hubs[canvasID.String()]
	if h == nil {
		h = p.newHub(canvasID)
		p.hubs[canvasID.String()] = h
		go h.run()
	}
	p.nextID++
	sub.id = p.nextID
	h.mu.Lock()
	h.subscribers[sub.id] = sub
	latest := h.latest
	h.mu.Unlock()
	p.mu.Unlock()

	if latest != nil {
		sub.deliver(*latest)
	}

	var once sync.Once
	detach := func() {
		once.Do(func() { p.detach(h, sub) })
	}
	go func() {
		select {
		case <-ctx.Done():
			detach()
		case <-sub.detached:
		}
	}()
	return sub.stream, detach
}

// ActiveHubs reports how many canvases currently have subscribers.
func (p *Publisher) ActiveHubs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.hubs)
}

// Close detaches every subscriber and stops all hubs.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	hubs := make([]*hub, 0, len(p.hubs))
	for canvasID, h := range p.hubs {
		hubs = append(hubs, h)
		delete(p.hubs, canvasID)
	}
	p.mu.Unlock()

	for _, h := range hubs {
		h.cancel()
		h.mu.Lock()
		subscribers := make([]*subscriber, 0, len(h.subscribers))
		for id, sub := range h.subscribers {
			subscribers = append(subscribers, sub)
			delete(h.subscribers, id)
		}
		h.mu.Unlock()
		for _, sub := range subscribers {
			sub.close()
		}
		<-h.done
	}
}

func (p *Publisher) detach(h *hub, sub *subscriber) {
	p.mu.Lock()
	h.mu.Lock()
	delete(h.subscribers, sub.id)
	empty := len(h.subscribers) == 0
	h.mu.Unlock()
	if empty && p.hubs[h.canvasID.String()] == h {
		delete(p.hubs, h.canvasID.String())
	}
	p.mu.Unlock()

	sub.close()
	if empty {
		h.cancel()
	}
}

type subscriber struct {
	id       int64
	stream   chan canvas.Snapshot
	detached chan struct{}

	mu          sync.Mutex
	delivered   bool
	lastVersion int64
	closed      bool
}

// deliver replaces any undelivered snapshot with a newer one.
func (s *subscriber) deliver(snapshot canvas.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || (s.delivered && snapshot.Version <= s.lastVersion) {
		return
	}
	select {
	case <-s.stream:
	default:
	}
	select {
	case s.stream <- snapshot:
		s.delivered = true
		s.lastVersion = snapshot.Version
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.stream)
	close(s.detached)
}

type hub struct {
	publisher *Publisher
	canvasID  canvas.CanvasID
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}

	mu          sync.Mutex
	subscribers map[int64]*subscriber
	latest      *canvas.Snapshot
}

func (p *Publisher) newHub(canvasID canvas.CanvasID) *hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &hub{
		publisher:   p,
		canvasID:    canvasID,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		subscribers: make(map[int64]*subscriber),
	}
}

// run keeps a feed subscription alive and turns notices into snapshots until the hub
// is cancelled. Any feed or load failure tears the subscription down and starts over.
func (h *hub) run() {
	defer close(h.done)
	logger := h.publisher.logger.With(zap.String("canvas_id", h.canvasID.String()))
	backoff := h.publisher.retryBackoff
	for h.ctx.Err() == nil {
		established, err := h.session()
		if h.ctx.Err() != nil {
			return
		}
		if established {
			backoff = h.publisher.retryBackoff
		}
		logger.Warn("snapshot stream interrupted; resubscribing", zap.Error(err), zap.Duration("backoff", backoff))
		if !h.sleep(backoff) {
			return
		}
		backoff *= 2
		if backoff > h.publisher.maxRetryBackoff {
			backoff = h.publisher.maxRetryBackoff
		}
	}
}

// session reports whether the subscription got as far as publishing a snapshot.
func (h *hub) session() (bool, error) {
	notices, cancelFeed, err := h.publisher.feed.Subscribe(h.ctx, h.canvasID.String())
	if err != nil {
		return false, err
	}
	defer cancelFeed()

	// Load after subscribing so a commit between the two is not lost.
	if err := h.refresh(0); err != nil {
		return false, err
	}
	for {
		select {
		case <-h.ctx.Done():
			return true, nil
		case notice, ok := <-notices:
			if !ok {
				return true, errFeedEnded
			}
			if notice.Version <= h.latestVersion() {
				continue
			}
			if err := h.refresh(notice.Version); err != nil {
				return true, err
			}
		}
	}
}

// refresh loads a snapshot at or above minVersion, retrying reads that lag the notice.
func (h *hub) refresh(minVersion int64) error {
	delay := h.publisher.retryBackoff
	for attempt := 1; ; attempt++ {
		snapshot, err := h.publisher.loader.Snapshot(h.ctx, h.canvasID)
		if err != nil {
			return err
		}
		if snapshot.Version >= minVersion {
			h.broadcast(snapshot)
			return nil
		}
		if attempt >= maxStaleReads {
			return errStaleRead
		}
		if !h.sleep(delay) {
			return h.ctx.Err()
		}
		delay *= 2
	}
}

func (h *hub) latestVersion() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.latest == nil {
		return -1
	}
	return h.latest.Version
}

func (h *hub) broadcast(snapshot canvas.Snapshot) {
	h.mu.Lock()
	if h.latest != nil && snapshot.Version < h.latest.Version {
		h.mu.Unlock()
		return
	}
	h.latest = &snapshot
	subscribers := make([]*subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subscribers = append(subscribers, sub)
	}
	h.mu.Unlock()
	for _, sub := range subscribers {
		sub.deliver(snapshot)
	}
}

func (h *hub) sleep(delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-h.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
