// Package dispatch fans a set of producer channels out to any number of
// independently paced subscribers. Producers are never blocked: each
// subscriber owns a bounded queue and a full queue drops items for that
// subscriber only.
package dispatch

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// DefaultQueueSize is the per-subscriber queue capacity used when no
// WithQueueSize option is given.
const DefaultQueueSize = 256

// OverflowPolicy selects what a full subscriber queue discards.
type OverflowPolicy int

const (
	// DropNewest discards the item being offered.
	DropNewest OverflowPolicy = iota
	// DropOldest evicts the oldest queued item to make room.
	DropOldest
)

func (p OverflowPolicy) String() string {
	if p == DropOldest {
		return "drop-oldest"
	}
	return "drop-newest"
}

// Option configures a Dispatcher.
type Option func(*options)

type options struct {
	queueSize int
	policy    OverflowPolicy
}

// WithQueueSize sets the per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// WithOverflowPolicy sets what a full subscriber queue discards.
func WithOverflowPolicy(p OverflowPolicy) Option {
	return func(o *options) { o.policy = p }
}

// Dispatcher relays items from registered producers to subscribers.
type Dispatcher[T any] struct {
	opts options

	mu     sync.RWMutex
	subs   map[string]*Subscription[T]
	closed bool

	workers   sync.WaitGroup
	producers atomic.Int64
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New returns an empty Dispatcher.
func New[T any](opts ...Option) *Dispatcher[T] {
	o := options{queueSize: DefaultQueueSize, policy: DropNewest}
	for _, opt := range opts {
		opt(&o)
	}
	return &Dispatcher[T]{
		opts: o,
		subs: make(map[string]*Subscription[T]),
	}
}

// Register starts a worker that relays every item of src to the current
// subscribers until src is closed.
func (d *Dispatcher[T]) Register(src <-chan T) {
	Relay(d, src, func(v T) T { return v })
}

// Relay registers a producer whose element type differs from the
// dispatcher's, converting each item with conv.
func Relay[S, T any](d *Dispatcher[T], src <-chan S, conv func(S) T) {
	d.workers.Add(1)
	d.producers.Add(1)
	go func() {
		defer d.workers.Done()
		defer d.producers.Add(-1)
		for v := range src {
			d.offer(conv(v))
		}
	}()
}

// Publish offers a single item to every current subscriber. It never blocks.
func (d *Dispatcher[T]) Publish(v T) {
	d.offer(v)
}

func (d *Dispatcher[T]) offer(v T) {
	d.published.Add(1)
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.subs {
		delivered, dropped := s.offer(v, d.opts.policy)
		if delivered {
			d.delivered.Add(1)
		}
		if dropped {
			d.dropped.Add(1)
		}
	}
}

// Subscribe creates a subscription that receives every item offered after
// this call. The subscription is released by Close or when ctx is done.
func (d *Dispatcher[T]) Subscribe(ctx context.Context) *Subscription[T] {
	s := &Subscription[T]{
		id:   uuid.NewString(),
		ch:   make(chan T, d.opts.queueSize),
		done: make(chan struct{}),
		d:    d,
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		s.release()
		return s
	}
	d.subs[s.id] = s
	d.mu.Unlock()

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.Close()
			case <-s.done:
			}
		}()
	}
	return s
}

func (d *Dispatcher[T]) remove(s *Subscription[T]) {
	d.mu.Lock()
	delete(d.subs, s.id)
	d.mu.Unlock()
}

// Len reports the number of live subscriptions.
func (d *Dispatcher[T]) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Close releases every subscription, refuses new ones and waits for the
// producer workers to finish. Producers must close their channels for Close
// to return.
func (d *Dispatcher[T]) Close() {
	d.mu.Lock()
	d.closed = true
	subs := make([]*Subscription[T], 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	d.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	d.workers.Wait()
}

// SubscriberStats describes one subscription.
type SubscriberStats struct {
	ID        string `json:"id"`
	Queued    int    `json:"queued"`
	Capacity  int    `json:"capacity"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// Stats is a point-in-time snapshot of a Dispatcher.
type Stats struct {
	Producers   int64             `json:"producers"`
	Published   uint64            `json:"published"`
	Delivered   uint64            `json:"delivered"`
	Dropped     uint64            `json:"dropped"`
	Policy      string            `json:"policy"`
	Subscribers []SubscriberStats `json:"subscribers"`
}

// Stats returns counters for the dispatcher and each live subscription.
func (d *Dispatcher[T]) Stats() Stats {
	st := Stats{
		Producers: d.producers.Load(),
		Published: d.published.Load(),
		Delivered: d.delivered.Load(),
		Dropped:   d.dropped.Load(),
		Policy:    d.opts.policy.String(),
	}
	d.mu.RLock()
	for _, s := range d.subs {
		st.Subscribers = append(st.Subscribers, s.Stats())
	}
	d.mu.RUnlock()
	sort.Slice(st.Subscribers, func(i, j int) bool { return st.Subscribers[i].ID < st.Subscribers[j].ID })
	return st
}

// Subscription is one subscriber's private queue.
type Subscription[T any] struct {
	id   string
	d    *Dispatcher[T]
	ch   chan T
	done chan struct{}

	// mu serializes offers so drop-oldest eviction and channel close do not
	// race with a concurrent send.
	mu        sync.Mutex
	closed    bool
	once      sync.Once
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// ID identifies the subscription in Stats.
func (s *Subscription[T]) ID() string { return s.id }

// C yields the subscription's items. It is closed once the subscription is
// released.
func (s *Subscription[T]) C() <-chan T { return s.ch }

// Dropped reports how many items were discarded because the queue was full.
func (s *Subscription[T]) Dropped() uint64 { return s.dropped.Load() }

// Close releases the subscription. Items still queued are discarded. It is
// safe to call more than once.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.d.remove(s)
		s.release()
	})
}

func (s *Subscription[T]) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	for {
		select {
		case <-s.ch:
			continue
		default:
		}
		break
	}
	close(s.ch)
}

// Stats returns this subscription's counters.
func (s *Subscription[T]) Stats() SubscriberStats {
	return SubscriberStats{
		ID:        s.id,
		Queued:    len(s.ch),
		Capacity:  cap(s.ch),
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
	}
}

func (s *Subscription[T]) offer(v T, policy OverflowPolicy) (delivered, dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.ch <- v:
		s.delivered.Add(1)
		return true, false
	default:
	}
	s.dropped.Add(1)
	if policy != DropOldest {
		return false, true
	}
	// Evict the head; the offered item then always fits since every send
	// to s.ch happens under s.mu.
	select {
	case <-s.ch:
	default:
	}
	s.ch <- v
	s.delivered.Add(1)
	return true, true
}
