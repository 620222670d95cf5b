package broker

import (
	"sync/atomic"
	"time"
)

// CompileEvent describes one finished request. It is handed to every Sink.
type CompileEvent struct {
	Broker    string        `json:"broker"`
	CompileID uint64        `json:"compile_id"`
	Method    MethodID      `json:"method"`
	Tier      string        `json:"tier"`
	OSR       bool          `json:"osr"`
	BCI       int           `json:"bci"`
	Reason    string        `json:"reason"`
	State     string        `json:"state"`
	Error     string        `json:"error,omitempty"`
	Retry     string        `json:"retry,omitempty"`
	Worker    string        `json:"worker"`
	Size      int64         `json:"size,omitempty"`
	Duration  time.Duration `json:"duration"`
	At        time.Time     `json:"at"`
}

// tierCounters accumulate per-tier outcomes. Updated lock-free by workers.
type tierCounters struct {
	compiled       atomic.Uint64
	bailouts       atomic.Uint64
	invalidated    atomic.Uint64
	rejected       atomic.Uint64
	bytesInstalled atomic.Int64
	totalTime      atomic.Int64
	maxTime        atomic.Int64
}

func (c *tierCounters) observe(d time.Duration) {
	c.totalTime.Add(int64(d))
	for {
		cur := c.maxTime.Load()
		if int64(d) <= cur || c.maxTime.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

// TierStats is the reporting view of one tier.
type TierStats struct {
	Tier           string        `json:"tier"`
	Enabled        bool          `json:"enabled"`
	Disabled       string        `json:"disabled,omitempty"`
	Workers        int           `json:"workers"`
	MinWorkers     int           `json:"min_workers"`
	MaxWorkers     int           `json:"max_workers"`
	Slots          []int         `json:"slots"`
	SlotCapacity   int           `json:"slot_capacity"`
	Queue          QueueStats    `json:"queue"`
	Compiled       uint64        `json:"compiled"`
	Bailouts       uint64        `json:"bailouts"`
	Invalidated    uint64        `json:"invalidated"`
	Rejected       uint64        `json:"rejected"`
	BytesInstalled int64         `json:"bytes_installed"`
	TotalTime      time.Duration `json:"total_time"`
	MaxTime        time.Duration `json:"max_time"`
}

// Stats is a point-in-time snapshot of the broker.
type Stats struct {
	ID         string      `json:"id"`
	State      string      `json:"state"`
	Paused     bool        `json:"paused"`
	FullEvents uint64      `json:"code_cache_full_events"`
	Requests   AllocStats  `json:"requests"`
	Tiers      []TierStats `json:"tiers"`
}

// Stats returns a snapshot of every configured tier.
func (b *Broker) Stats() Stats {
	s := Stats{
		ID:         b.id,
		State:      b.state.Load().String(),
		Paused:     b.Paused(),
		FullEvents: b.fullEvents.Load(),
		Requests:   b.alloc.stats(),
	}
	for i, p := range b.pools {
		if p == nil {
			s.Tiers = append(s.Tiers, TierStats{Tier: Tier(i).String()})
			continue
		}
		s.Tiers = append(s.Tiers, p.stats())
	}
	return s
}

func (p *pool) stats() TierStats {
	p.mu.Lock()
	live, min, max := len(p.workers), p.min, p.max
	p.mu.Unlock()

	ts := TierStats{
		Tier:           p.tier.String(),
		Enabled:        !p.disabled.Load(),
		Workers:        live,
		MinWorkers:     min,
		MaxWorkers:     max,
		Slots:          p.slots.listAcquired(),
		SlotCapacity:   p.slots.capacity(),
		Queue:          p.queue.Stats(),
		Compiled:       p.counters.compiled.Load(),
		Bailouts:       p.counters.bailouts.Load(),
		Invalidated:    p.counters.invalidated.Load(),
		Rejected:       p.counters.rejected.Load(),
		BytesInstalled: p.counters.bytesInstalled.Load(),
		TotalTime:      time.Duration(p.counters.totalTime.Load()),
		MaxTime:        time.Duration(p.counters.maxTime.Load()),
	}
	if err := p.initErr(); err != nil {
		ts.Disabled = err.Error()
	}
	return ts
}

// QueueSnapshot returns the queued requests of tier, in list order.
func (b *Broker) QueueSnapshot(tier Tier) ([]RequestInfo, bool) {
	p := b.pool(tier)
	if p == nil {
		return nil, false
	}
	return p.queue.Snapshot(), true
}
