// Package codecache accounts for the bounded memory region holding compiled
// code. Freed space is not reusable until a reclamation pass returns it,
// mirroring a sweeper that has to make sure no frame still runs the code.
package codecache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"
)

var ErrFull = errors.New("code cache full")

type Config struct {
	Capacity int64
	// ReclaimDelay is the minimum age of freed space before Reclaim returns
	// it to the pool.
	ReclaimDelay time.Duration
}

// Stats is a snapshot of the cache accounting.
type Stats struct {
	Capacity    int64  `json:"capacity"`
	Used        int64  `json:"used"`
	Pending     int64  `json:"pending"`
	Headroom    int64  `json:"headroom"`
	Peak        int64  `json:"peak"`
	Allocations uint64 `json:"allocations"`
	Full        uint64 `json:"full"`
	Reclaimed   int64  `json:"reclaimed"`
}

type pendingFree struct {
	size int64
	at   time.Time
}

// Cache implements broker.CodeCache.
type Cache struct {
	log   *zap.Logger
	cfg   Config
	clock func() time.Time

	mu          sync.Mutex
	used        int64
	pending     []pendingFree
	pendingSize int64
	peak        int64
	allocations uint64
	full        uint64
	reclaimed   int64
}

func New(log *zap.Logger, cfg Config) (*Cache, error) {
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("code cache capacity must be positive, got %d", cfg.Capacity)
	}
	return &Cache{
		log:   log.Named("codecache"),
		cfg:   cfg,
		clock: time.Now,
	}, nil
}

// Reserve takes size bytes or returns ErrFull.
func (c *Cache) Reserve(size int64) error {
	if size < 0 {
		return fmt.Errorf("negative allocation %d", size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.used+c.pendingSize+size > c.cfg.Capacity {
		c.full++
		return fmt.Errorf("%w: need %s, headroom %s", ErrFull,
			units.BytesSize(float64(size)), units.BytesSize(float64(c.headroomUnsafe())))
	}
	c.used += size
	c.allocations++
	if c.used > c.peak {
		c.peak = c.used
	}
	return nil
}

func (c *Cache) Allocate(size int64) bool {
	if err := c.Reserve(size); err != nil {
		c.log.Debug("allocation failed", zap.Error(err))
		return false
	}
	return true
}

// Free marks size bytes as no longer used. They stay unavailable until the
// next Reclaim that finds them older than ReclaimDelay.
func (c *Cache) Free(size int64) {
	if size <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if size > c.used {
		c.log.Error("free exceeds used space", zap.Int64("size", size), zap.Int64("used", c.used))
		size = c.used
	}
	c.used -= size
	c.pending = append(c.pending, pendingFree{size: size, at: c.clock()})
	c.pendingSize += size
}

func (c *Cache) Capacity() int64 { return c.cfg.Capacity }

func (c *Cache) Headroom() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headroomUnsafe()
}

func (c *Cache) headroomUnsafe() int64 {
	return c.cfg.Capacity - c.used - c.pendingSize
}

// Reclaim returns pending space older than ReclaimDelay to the pool.
func (c *Cache) Reclaim(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.clock().Add(-c.cfg.ReclaimDelay)
	var freed int64
	keep := c.pending[:0]
	for _, p := range c.pending {
		if p.at.After(cutoff) {
			keep = append(keep, p)
			continue
		}
		freed += p.size
	}
	c.pending = keep
	c.pendingSize -= freed
	c.reclaimed += freed

	if freed > 0 {
		c.log.Info("code cache space reclaimed",
			zap.String("freed", units.BytesSize(float64(freed))),
			zap.String("headroom", units.BytesSize(float64(c.headroomUnsafe()))))
	}
	return freed, nil
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Capacity:    c.cfg.Capacity,
		Used:        c.used,
		Pending:     c.pendingSize,
		Headroom:    c.headroomUnsafe(),
		Peak:        c.peak,
		Allocations: c.allocations,
		Full:        c.full,
		Reclaimed:   c.reclaimed,
	}
}
