package broker

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultIdlePollInterval bounds how long an idle worker waits before it
// re-evaluates shrink eligibility.
const DefaultIdlePollInterval = 5 * time.Second

// idleHandler is implemented by the worker pool that drains a queue.
type idleHandler interface {
	onEmptyQueue(w *Worker)
	// tryRetire is called with the queue lock held after a timed wait
	// expired on an empty queue.
	tryRetire(w *Worker) bool
}

// Queue is the per-tier ordered collection of queued requests.
//
// Concurrency model
//   - One mutex guards the list, the counters and the stale list.
//   - Idle workers wait on wake, a channel closed and replaced by every Add
//     (broadcast: different workers evaluate different idle conditions).
//   - Requests removed by RemoveAndMarkStale without a waiter are parked on
//     the stale list and freed by the next Get outside the lock.
type Queue struct {
	log    *zap.Logger
	tier   Tier
	policy SelectionPolicy
	poll   time.Duration

	alloc *allocator
	store MethodStore
	state *runState
	idle  idleHandler

	mu     sync.Mutex
	reqs   *list.List
	stale  []*Request
	wake   chan struct{}
	closed bool

	peak         int
	totalAdded   uint64
	totalRemoved uint64
}

func newQueue(log *zap.Logger, tier Tier, policy SelectionPolicy, poll time.Duration,
	alloc *allocator, store MethodStore, state *runState) *Queue {

	if policy == nil {
		policy = FIFO{}
	}
	if poll <= 0 {
		poll = DefaultIdlePollInterval
	}
	return &Queue{
		log:    log.Named("queue").With(zap.Stringer("tier", tier)),
		tier:   tier,
		policy: policy,
		poll:   poll,
		alloc:  alloc,
		store:  store,
		state:  state,
		reqs:   list.New(),
		wake:   make(chan struct{}),
	}
}

// Tier returns the tier served by q.
func (q *Queue) Tier() Tier { return q.tier }

// Add appends r and wakes every idle worker.
func (q *Queue) Add(r *Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.addUnsafe(r)
}

func (q *Queue) addUnsafe(r *Request) {
	if r.elem != nil {
		panic(fmt.Sprintf("request %d already queued", r.id))
	}
	r.elem = q.reqs.PushBack(r)

	q.totalAdded++
	if n := q.reqs.Len(); n > q.peak {
		q.peak = n
	}
	q.broadcastUnsafe()
}

func (q *Queue) broadcastUnsafe() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// wakeAll forces idle workers to re-check their stop conditions.
func (q *Queue) wakeAll() {
	q.mu.Lock()
	q.broadcastUnsafe()
	q.mu.Unlock()
}

// Get blocks until a request is available and returns it in StateSelected.
// It returns ErrStopped once compilation is disabled forever, the queue is
// closed or ctx is done, and errRetire when the pool retired w.
func (q *Queue) Get(ctx context.Context, w *Worker) (*Request, error) {
	timer := time.NewTimer(q.poll)
	defer timer.Stop()

	q.mu.Lock()
	for q.reqs.Len() == 0 {
		if q.closed || q.state.Load() == ShutdownForever {
			q.mu.Unlock()
			return nil, ErrStopped
		}
		wake := q.wake
		q.mu.Unlock()

		if q.idle != nil {
			q.idle.onEmptyQueue(w)
		}

		drainTimer(timer)
		timer.Reset(q.poll)

		timedOut := false
		select {
		case <-ctx.Done():
			return nil, ErrStopped
		case <-wake:
		case <-timer.C:
			timedOut = true
		}

		q.mu.Lock()
		if timedOut && q.reqs.Len() == 0 && q.idle != nil && q.idle.tryRetire(w) {
			q.mu.Unlock()
			return nil, errRetire
		}
	}

	e := q.policy.Select(q.reqs)
	r := e.Value.(*Request)
	q.unlinkUnsafe(r)
	r.setState(StateSelected)
	if w != nil {
		w.current = r.Handle()
	}

	stale := q.stale
	q.stale = nil
	q.mu.Unlock()

	for _, s := range stale {
		q.alloc.release(s)
	}
	return r, nil
}

func drainTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// Remove unlinks r. It reports false if r is not queued here.
func (q *Queue) Remove(r *Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if r.elem == nil {
		return false
	}
	q.unlinkUnsafe(r)
	return true
}

func (q *Queue) unlinkUnsafe(r *Request) {
	q.reqs.Remove(r.elem)
	r.elem = nil
	q.totalRemoved++
}

// RemoveAndMarkStale unlinks a request that became moot. A registered waiter
// is woken with ErrInvalidated and frees it; otherwise the request is parked
// on the stale list until no worker can still observe it.
func (q *Queue) RemoveAndMarkStale(r *Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if r.elem == nil {
		return false
	}
	q.removeAndMarkStaleUnsafe(r)
	return true
}

func (q *Queue) removeAndMarkStaleUnsafe(r *Request) {
	q.unlinkUnsafe(r)
	q.store.ClearQueued(r.key.Method, r.key.OSR)
	if r.finish(StateStale, nil, ErrInvalidated) {
		q.stale = append(q.stale, r)
	}
}

// FreeAll empties the queue, finishing every request with cause. Requests
// with a registered waiter are handed to it; all others are freed here.
func (q *Queue) FreeAll(cause error) (woken, freed int) {
	q.mu.Lock()
	var owned []*Request
	for e := q.reqs.Front(); e != nil; {
		next := e.Next()
		r := e.Value.(*Request)
		q.unlinkUnsafe(r)
		q.store.ClearQueued(r.key.Method, r.key.OSR)
		if r.finish(StateFailed, nil, cause) {
			owned = append(owned, r)
		} else {
			woken++
		}
		e = next
	}
	owned = append(owned, q.stale...)
	q.stale = nil
	q.broadcastUnsafe()
	q.mu.Unlock()

	for _, r := range owned {
		q.alloc.release(r)
	}
	if n := woken + len(owned); n > 0 {
		q.log.Info("queue drained", zap.Int("woken", woken), zap.Int("freed", len(owned)), zap.Error(cause))
	}
	return woken, len(owned)
}

// close stops the queue for good; parked workers observe ErrStopped.
func (q *Queue) close() {
	q.mu.Lock()
	q.closed = true
	q.broadcastUnsafe()
	q.mu.Unlock()
}

// Len returns the current number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.reqs.Len()
}

// QueueStats are the queue counters. At a quiescent point
// TotalAdded-TotalRemoved == Size.
type QueueStats struct {
	Tier         string `json:"tier"`
	Size         int    `json:"size"`
	Peak         int    `json:"peak"`
	TotalAdded   uint64 `json:"total_added"`
	TotalRemoved uint64 `json:"total_removed"`
	Stale        int    `json:"stale"`
}

func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Tier:         q.tier.String(),
		Size:         q.reqs.Len(),
		Peak:         q.peak,
		TotalAdded:   q.totalAdded,
		TotalRemoved: q.totalRemoved,
		Stale:        len(q.stale),
	}
}

// Snapshot copies the queued requests in list order.
func (q *Queue) Snapshot() []RequestInfo {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]RequestInfo, 0, q.reqs.Len())
	for e := q.reqs.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*Request).info(now))
	}
	return out
}

// -----------------------------------------------------------------------------
// Selection policies
// -----------------------------------------------------------------------------

// SelectionPolicy picks the next request from a non-empty list. It runs with
// the queue lock held and must not block.
type SelectionPolicy interface {
	Select(reqs *list.List) *list.Element
}

// FIFO serves requests in arrival order.
type FIFO struct{}

func (FIFO) Select(reqs *list.List) *list.Element { return reqs.Front() }

// Hottest serves the request with the highest hot count, oldest first on ties.
type Hottest struct{}

func (Hottest) Select(reqs *list.List) *list.Element {
	best := reqs.Front()
	for e := best.Next(); e != nil; e = e.Next() {
		if e.Value.(*Request).hotCount > best.Value.(*Request).hotCount {
			best = e
		}
	}
	return best
}

// PolicyByName resolves a configured policy name.
func PolicyByName(name string) (SelectionPolicy, error) {
	switch name {
	case "", "fifo":
		return FIFO{}, nil
	case "hottest":
		return Hottest{}, nil
	default:
		return nil, fmt.Errorf("unknown selection policy %q", name)
	}
}
