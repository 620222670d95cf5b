package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/edirooss/compilebroker/internal/broker"
)

func statsKey(prefix, tier string) string  { return prefix + ":stats:" + tier }
func eventsKey(prefix, tier string) string { return prefix + ":events:" + tier }

type SinkConfig struct {
	// Prefix namespaces every key, e.g. "compilebroker".
	Prefix string
	// Buffer is the number of events held between flushes. Events beyond it
	// are dropped and counted.
	Buffer int
	// FlushEvery is the flush period.
	FlushEvery time.Duration
	// MaxEvents caps each per-tier event list.
	MaxEvents int64
}

// StatsSink is a broker.Sink that mirrors compile outcomes into Redis:
//   - HINCRBY <prefix>:stats:<tier> <state> / bytes / time_ns
//   - LPUSH + LTRIM <prefix>:events:<tier> with the JSON event
//
// Record never blocks a worker; writes happen in Run.
type StatsSink struct {
	log    *zap.Logger
	client *Client
	cfg    SinkConfig

	events  chan broker.CompileEvent
	dropped atomic.Uint64
	flushed atomic.Uint64
}

func NewStatsSink(log *zap.Logger, client *Client, cfg SinkConfig) *StatsSink {
	if cfg.Prefix == "" {
		cfg.Prefix = "compilebroker"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = time.Second
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 1000
	}
	return &StatsSink{
		log:    log.Named("stats_sink"),
		client: client,
		cfg:    cfg,
		events: make(chan broker.CompileEvent, cfg.Buffer),
	}
}

// Record implements broker.Sink.
func (s *StatsSink) Record(ev broker.CompileEvent) {
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (s *StatsSink) Dropped() uint64 { return s.dropped.Load() }

// Flushed returns the number of events written to Redis.
func (s *StatsSink) Flushed() uint64 { return s.flushed.Load() }

// Run flushes buffered events every FlushEvery until ctx is done, then
// flushes what is left with a short deadline.
func (s *StatsSink) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.FlushEvery)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.flush(fctx)
			return nil
		case <-t.C:
			s.flush(ctx)
		}
	}
}

func (s *StatsSink) flush(ctx context.Context) {
	evs := s.takeBuffered()
	if len(evs) == 0 {
		return
	}
	b, err := buildBatch(s.cfg.Prefix, evs)
	if err != nil {
		s.log.Error("encode batch", zap.Error(err))
		return
	}
	if err := s.write(ctx, b); err != nil {
		s.log.Warn("flush failed", zap.Int("events", len(evs)), zap.Error(err))
		return
	}
	s.flushed.Add(uint64(len(evs)))
}

func (s *StatsSink) takeBuffered() []broker.CompileEvent {
	var evs []broker.CompileEvent
	for {
		select {
		case ev := <-s.events:
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func (s *StatsSink) write(ctx context.Context, b *batch) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range b.counterKeys() {
			for field, n := range b.counters[key] {
				pipe.HIncrBy(ctx, key, field, n)
			}
		}
		for _, key := range b.listKeys() {
			vals := b.lists[key]
			args := make([]any, len(vals))
			for i, v := range vals {
				args[i] = v
			}
			pipe.LPush(ctx, key, args...)
			pipe.LTrim(ctx, key, 0, s.cfg.MaxEvents-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("exec: %w", err)
	}
	return nil
}

// batch is the aggregated form of a set of events.
type batch struct {
	counters map[string]map[string]int64 // hash key → field → delta
	lists    map[string][]string         // list key → JSON events, oldest first
}

func buildBatch(prefix string, evs []broker.CompileEvent) (*batch, error) {
	b := &batch{
		counters: make(map[string]map[string]int64),
		lists:    make(map[string][]string),
	}
	for _, ev := range evs {
		payload, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("marshal event %d: %w", ev.CompileID, err)
		}
		lk := eventsKey(prefix, ev.Tier)
		b.lists[lk] = append(b.lists[lk], string(payload))

		hk := statsKey(prefix, ev.Tier)
		c, ok := b.counters[hk]
		if !ok {
			c = make(map[string]int64)
			b.counters[hk] = c
		}
		c[ev.State]++
		c["time_ns"] += int64(ev.Duration)
		if ev.Size > 0 {
			c["bytes"] += ev.Size
		}
	}
	return b, nil
}

func (b *batch) counterKeys() []string { return sortedKeys(b.counters) }
func (b *batch) listKeys() []string    { return sortedKeys(b.lists) }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ broker.Sink = (*StatsSink)(nil)
