package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/noah-isme/classroom-sync/internal/feed"
	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

// Metrics receives hub level counters.
type Metrics interface {
	TrackSubscription(delta int)
	RecordFeedError(collection string)
}

type nopMetrics struct{}

func (nopMetrics) TrackSubscription(int)  {}
func (nopMetrics) RecordFeedError(string) {}

// Hub is the in-process collection feed. Every subscriber receives a full snapshot on subscribe and
// after each Notify for its selector.
type Hub struct {
	source  Source
	metrics Metrics
	logger  *zap.Logger

	mu     sync.Mutex
	subs   map[string]map[*feed.Subscription]struct{}
	seq    map[string]uint64
	closed bool
}

// NewHub constructs a hub over source.
func NewHub(source Source, metrics Metrics, logger *zap.Logger) *Hub {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		source:  source,
		metrics: metrics,
		logger:  logger,
		subs:    make(map[string]map[*feed.Subscription]struct{}),
		seq:     make(map[string]uint64),
	}
}

// Subscribe implements feed.Feed. The initial snapshot is loaded before it returns; a load failure
// cancels the subscription and is returned as a retryable feed error.
func (h *Hub) Subscribe(ctx context.Context, sel feed.Selector, onSnapshot feed.SnapshotFunc, onError feed.ErrorFunc) (*feed.Subscription, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	key := sel.Key()

	var sub *feed.Subscription
	sub = feed.NewSubscription(sel, onSnapshot, onError, func() { h.detach(key, sub) })

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.Unsubscribe()
		return nil, appErrors.Feed(nil, "hub closed", false)
	}
	if h.subs[key] == nil {
		h.subs[key] = make(map[*feed.Subscription]struct{})
	}
	h.subs[key][sub] = struct{}{}
	h.mu.Unlock()
	h.metrics.TrackSubscription(1)

	snap, err := h.load(ctx, sel)
	if err != nil {
		sub.Unsubscribe()
		return nil, appErrors.Feed(err, "load initial snapshot", true)
	}
	sub.Push(snap)
	return sub, nil
}

// Notify reloads the selected set and pushes it to every subscriber. A load failure is delivered to
// the subscribers as a retryable feed error.
func (h *Hub) Notify(ctx context.Context, sel feed.Selector) {
	targets := h.targets(sel.Key())
	if len(targets) == 0 {
		return
	}

	snap, err := h.load(ctx, sel)
	if err != nil {
		h.logger.Warn("snapshot load failed", zap.String("selector", sel.Key()), zap.Error(err))
		h.metrics.RecordFeedError(string(sel.Collection))
		feedErr := appErrors.Feed(err, "load snapshot", true)
		for _, sub := range targets {
			sub.Fail(feedErr)
		}
		return
	}
	for _, sub := range targets {
		sub.Push(snap)
	}
}

// Subscribers returns the number of open subscriptions for sel.
func (h *Hub) Subscribers(sel feed.Selector) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sel.Key()])
}

// Close ends every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*feed.Subscription
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range all {
		sub.Unsubscribe()
	}
}

// load numbers the snapshot before reading so a slower, older read never overwrites a newer one.
func (h *Hub) load(ctx context.Context, sel feed.Selector) (feed.Snapshot, error) {
	key := sel.Key()
	h.mu.Lock()
	h.seq[key]++
	seq := h.seq[key]
	h.mu.Unlock()

	children, err := h.source.Load(ctx, sel)
	if err != nil {
		return feed.Snapshot{}, err
	}
	return feed.Snapshot{Selector: sel, Seq: seq, Children: children}, nil
}

func (h *Hub) targets(key string) []*feed.Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*feed.Subscription, 0, len(h.subs[key]))
	for sub := range h.subs[key] {
		out = append(out, sub)
	}
	return out
}

func (h *Hub) detach(key string, sub *feed.Subscription) {
	h.mu.Lock()
	set := h.subs[key]
	_, ok := set[sub]
	if ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, key)
		}
	}
	h.mu.Unlock()
	if ok {
		h.metrics.TrackSubscription(-1)
	}
}
