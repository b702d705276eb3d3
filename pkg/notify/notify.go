// Package notify implements a rate-limited, coalescing change-notification
// dispatcher: storage backends call NotifyJobStatsChanged/NotifyMetadataChanged
// on every mutation, and listeners receive at most one signal per rate-limit
// window no matter how many mutations occurred inside it (spec section 4.5).
//
// Grounded on the rate-limiter idiom in the teacher's pkg/crawler.Crawler,
// which gates outbound provider calls through a golang.org/x/time/rate.Limiter;
// here the limiter gates outbound listener signals instead.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultRate is the dispatcher's default notification rate: at most once
// per second, per category, regardless of how many mutations arrive.
const DefaultRate = rate.Limit(1)

// Handle is returned by Listen and unsubscribes its listener when closed.
type Handle interface {
	Close()
}

type category struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	listeners map[int]chan<- struct{}
	nextID    int
}

func newCategory(limit rate.Limit) *category {
	return &category{
		limiter:   rate.NewLimiter(limit, 1),
		listeners: make(map[int]chan<- struct{}),
	}
}

func (c *category) listen(ch chan<- struct{}) Handle {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = ch
	c.mu.Unlock()
	return &handle{cat: c, id: id}
}

func (c *category) notify(log *zap.Logger) {
	if !c.limiter.Allow() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.listeners {
		select {
		case ch <- struct{}{}:
		default:
			// Listener already has a pending signal; coalesce.
			if log != nil {
				log.Debug("notify: listener busy, coalescing signal")
			}
		}
	}
}

type handle struct {
	cat *category
	id  int
}

func (h *handle) Close() {
	h.cat.mu.Lock()
	delete(h.cat.listeners, h.id)
	h.cat.mu.Unlock()
}

// Dispatcher fans out job-stats-changed and metadata-changed signals to
// registered listeners, rate-limited per category so a burst of storage
// mutations produces at most one signal per window.
type Dispatcher struct {
	jobStats *category
	metadata *category
	log      *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// NewDispatcher constructs a Dispatcher. A zero rateLimit selects DefaultRate.
// log may be nil, in which case a no-op logger is used.
func NewDispatcher(rateLimit rate.Limit, log *zap.Logger) *Dispatcher {
	if rateLimit <= 0 {
		rateLimit = DefaultRate
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		jobStats: newCategory(rateLimit),
		metadata: newCategory(rateLimit),
		log:      log.Named("notify"),
		closed:   make(chan struct{}),
	}
}

// ListenJobStats registers ch to receive a best-effort signal whenever job
// stats change, subject to the dispatcher's rate limit. ch should be
// buffered (capacity 1 is enough); an unbuffered or full channel causes the
// signal to be dropped rather than block the notifying goroutine.
func (d *Dispatcher) ListenJobStats(ch chan<- struct{}) Handle {
	return d.jobStats.listen(ch)
}

// ListenMetadata registers ch to receive a best-effort signal whenever a
// metadata record changes, subject to the dispatcher's rate limit.
func (d *Dispatcher) ListenMetadata(ch chan<- struct{}) Handle {
	return d.metadata.listen(ch)
}

// NotifyJobStatsChanged signals every job-stats listener, at most once per
// rate-limit window.
func (d *Dispatcher) NotifyJobStatsChanged() { d.jobStats.notify(d.log) }

// NotifyMetadataChanged signals every metadata listener, at most once per
// rate-limit window.
func (d *Dispatcher) NotifyMetadataChanged() { d.metadata.notify(d.log) }

// Shutdown waits for ctx or returns immediately; the Dispatcher holds no
// goroutines of its own, so there is nothing to drain beyond marking itself
// closed for any caller checking Done.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.closeOnce.Do(func() { close(d.closed) })
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Done returns a channel closed once Shutdown has been called.
func (d *Dispatcher) Done() <-chan struct{} { return d.closed }
