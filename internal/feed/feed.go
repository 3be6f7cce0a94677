package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	appErrors "github.com/noah-isme/classroom-sync/pkg/errors"
)

// Collection names a tracked server collection.
type Collection string

const (
	CollectionCourses   Collection = "courses"
	CollectionDocuments Collection = "documents"
)

// Selector identifies a subscribable set: every course, or the documents of one course.
type Selector struct {
	Collection Collection `json:"collection"`
	CourseID   string     `json:"courseId,omitempty"`
}

// AllCourses selects the whole course collection.
func AllCourses() Selector {
	return Selector{Collection: CollectionCourses}
}

// CourseDocuments selects the documents attached to courseID.
func CourseDocuments(courseID string) Selector {
	return Selector{Collection: CollectionDocuments, CourseID: courseID}
}

// ParseSelector builds a selector from transport parameters.
func ParseSelector(collection, courseID string) (Selector, error) {
	sel := Selector{Collection: Collection(strings.TrimSpace(collection)), CourseID: strings.TrimSpace(courseID)}
	if err := sel.Validate(); err != nil {
		return Selector{}, err
	}
	return sel, nil
}

// Validate checks the selector is addressable.
func (s Selector) Validate() error {
	switch s.Collection {
	case CollectionCourses:
		if s.CourseID != "" {
			return appErrors.Validation("courses selector takes no courseId", appErrors.FieldError{Field: "courseId", Message: "must be empty"})
		}
		return nil
	case CollectionDocuments:
		if s.CourseID == "" {
			return appErrors.Validation("documents selector requires courseId", appErrors.FieldError{Field: "courseId", Message: "is required"})
		}
		return nil
	default:
		return appErrors.Validation("unknown collection", appErrors.FieldError{Field: "collection", Message: "must be courses or documents"})
	}
}

// Key is the stable identity of the selected set, also used as the cache key.
func (s Selector) Key() string {
	if s.Collection == CollectionDocuments {
		return fmt.Sprintf("%s:%s", s.Collection, s.CourseID)
	}
	return string(s.Collection)
}

func (s Selector) String() string {
	return s.Key()
}

// Snapshot is the full content of a selected set at a point in time, keyed by child id.
type Snapshot struct {
	Selector Selector                   `json:"selector"`
	Seq      uint64                     `json:"seq"`
	Children map[string]json.RawMessage `json:"children"`
}

// SnapshotFunc receives full snapshots.
type SnapshotFunc func(Snapshot)

// ErrorFunc receives feed errors as *errors.Error with code FEED_ERROR.
type ErrorFunc func(error)

// Feed delivers full snapshots of a selected set on subscribe and after every change.
type Feed interface {
	Subscribe(ctx context.Context, sel Selector, onSnapshot SnapshotFunc, onError ErrorFunc) (*Subscription, error)
}

// Func adapts a function to the Feed interface.
type Func func(ctx context.Context, sel Selector, onSnapshot SnapshotFunc, onError ErrorFunc) (*Subscription, error)

// Subscribe implements Feed.
func (f Func) Subscribe(ctx context.Context, sel Selector, onSnapshot SnapshotFunc, onError ErrorFunc) (*Subscription, error) {
	return f(ctx, sel, onSnapshot, onError)
}

type event struct {
	snapshot *Snapshot
	err      error
}

// Subscription is a live attachment to a feed. Producers push into it without blocking; callbacks run
// serially on a dedicated goroutine. Consecutive undelivered snapshots collapse into the latest one.
type Subscription struct {
	selector   Selector
	onSnapshot SnapshotFunc
	onError    ErrorFunc
	detach     func()

	mu      sync.Mutex
	queue   []event
	lastSeq uint64
	closed  bool

	wake   chan struct{}
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

// NewSubscription starts the delivery loop. detach is invoked once on Unsubscribe to release the
// producer side.
func NewSubscription(sel Selector, onSnapshot SnapshotFunc, onError ErrorFunc, detach func()) *Subscription {
	s := &Subscription{
		selector:   sel,
		onSnapshot: onSnapshot,
		onError:    onError,
		detach:     detach,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
	}
	go s.loop()
	return s
}

// Selector returns the subscribed selector.
func (s *Subscription) Selector() Selector {
	return s.selector
}

// Push enqueues a snapshot. Snapshots older than the last accepted sequence are dropped.
func (s *Subscription) Push(snap Snapshot) bool {
	s.mu.Lock()
	if s.closed || (snap.Seq != 0 && snap.Seq < s.lastSeq) {
		s.mu.Unlock()
		return false
	}
	if snap.Seq != 0 {
		s.lastSeq = snap.Seq
	}
	if n := len(s.queue); n > 0 && s.queue[n-1].snapshot != nil {
		s.queue[n-1].snapshot = &snap
	} else {
		s.queue = append(s.queue, event{snapshot: &snap})
	}
	s.mu.Unlock()
	s.signal()
	return true
}

// Fail enqueues an error. Plain errors are wrapped as fatal feed errors.
func (s *Subscription) Fail(err error) {
	if err == nil {
		return
	}
	if !appErrors.HasCode(err, appErrors.ErrFeed.Code) {
		err = appErrors.Feed(err, "collection feed failed", false)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, event{err: err})
	s.mu.Unlock()
	s.signal()
}

// ResetSequence accepts the next snapshot regardless of its sequence, e.g. after a reconnect.
func (s *Subscription) ResetSequence() {
	s.mu.Lock()
	s.lastSeq = 0
	s.mu.Unlock()
}

// Unsubscribe stops delivery, drops queued events and waits for a callback already running to
// return, so no callback runs after it returns. It is idempotent. Callbacks must not call it on their
// own subscription; they stop delivery with go sub.Unsubscribe() instead.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		if s.detach != nil {
			s.detach()
		}
	})
	<-s.exited
}

// Closed reports whether Unsubscribe has been called.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the delivery loop has exited. Unsubscribe already does this.
func (s *Subscription) Wait() {
	<-s.exited
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) loop() {
	defer close(s.exited)
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			ev, ok := s.next()
			if !ok {
				break
			}
			switch {
			case ev.snapshot != nil && s.onSnapshot != nil:
				s.onSnapshot(*ev.snapshot)
			case ev.err != nil && s.onError != nil:
				s.onError(ev.err)
			}
		}
	}
}

// next pops the oldest event unless the subscription has closed.
func (s *Subscription) next() (event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue) == 0 {
		return event{}, false
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true
}
