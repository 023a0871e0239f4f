// Package routecache holds per-bus route metadata (route and ordered stops)
// behind a TTL read-through cache.
package routecache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bluele/gcache"
	"golang.org/x/sync/singleflight"

	"bustrack/internal/db"
	"bustrack/internal/model"
)

const (
	DefaultTTL  = 5 * time.Minute
	DefaultSize = 1024
)

// Loader reads a bus, its route and the route's stops from storage.
// It returns db.ErrBusNotFound when the bus does not exist.
type Loader interface {
	LoadBusWithRoute(ctx context.Context, busID int) (*model.BusSnapshot, error)
}

// Metrics receives hit/miss counts. May be nil.
type Metrics interface {
	CacheHit()
	CacheMiss()
}

type Options struct {
	TTL     time.Duration
	Size    int
	Metrics Metrics
	// Clock overrides the cache's time source; tests pass gcache.NewFakeClock().
	Clock gcache.Clock
}

type Cache struct {
	loader  Loader
	store   gcache.Cache
	metrics Metrics
	clock   gcache.Clock
	flight  singleflight.Group

	// Invalidation generations. A load only populates the store when
	// neither generation moved while it ran.
	mu     sync.Mutex
	all    uint64
	perBus map[int]uint64
}

type generation struct {
	all, bus uint64
}

func New(loader Loader, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Size <= 0 {
		opts.Size = DefaultSize
	}
	if opts.Clock == nil {
		opts.Clock = gcache.NewRealClock()
	}
	store := gcache.New(opts.Size).
		LRU().
		Expiration(opts.TTL).
		Clock(opts.Clock).
		Build()
	return &Cache{
		loader:  loader,
		store:   store,
		metrics: opts.Metrics,
		clock:   opts.Clock,
		perBus:  make(map[int]uint64),
	}
}

// Get returns the cached info for busID, reloading it on a miss or after
// expiry. A bus that no longer exists yields (nil, nil).
func (c *Cache) Get(ctx context.Context, busID int) (*model.CachedBusInfo, error) {
	if v, err := c.store.Get(busID); err == nil {
		if info, ok := v.(*model.CachedBusInfo); ok {
			c.hit()
			return info, nil
		}
	} else if !errors.Is(err, gcache.KeyNotFoundError) {
		return nil, fmt.Errorf("route cache get: %w", err)
	}
	c.miss()

	gen := c.generation(busID)
	key := fmt.Sprintf("%d/%d/%d", busID, gen.all, gen.bus)
	v, err, _ := c.flight.Do(key, func() (any, error) {
		return c.load(ctx, busID, gen)
	})
	if err != nil {
		return nil, err
	}
	info, _ := v.(*model.CachedBusInfo)
	return info, nil
}

// load reads busID through the loader and stores the result unless the
// entry was invalidated after gen was taken. A stale result is still
// returned to the callers that asked before the invalidation.
func (c *Cache) load(ctx context.Context, busID int, gen generation) (*model.CachedBusInfo, error) {
	snap, err := c.loader.LoadBusWithRoute(ctx, busID)
	if err != nil {
		if errors.Is(err, db.ErrBusNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load bus %d: %w", busID, err)
	}
	if snap == nil {
		return nil, nil
	}

	info := fromSnapshot(snap, c.clock.Now())
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generationLocked(busID) != gen {
		return info, nil
	}
	if err := c.store.Set(busID, info); err != nil {
		return nil, fmt.Errorf("route cache set: %w", err)
	}
	return info, nil
}

// Invalidate drops busID's entry. The next Get reloads, and a load already
// in flight for busID does not repopulate the entry.
func (c *Cache) Invalidate(busID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perBus[busID]++
	c.store.Remove(busID)
}

// InvalidateAll drops every entry, including those being loaded.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.all++
	clear(c.perBus)
	c.store.Purge()
}

func (c *Cache) generation(busID int) generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generationLocked(busID)
}

func (c *Cache) generationLocked(busID int) generation {
	return generation{all: c.all, bus: c.perBus[busID]}
}

// Len returns the number of entries currently held, expired ones included.
func (c *Cache) Len() int {
	return c.store.Len(false)
}

func (c *Cache) hit() {
	if c.metrics != nil {
		c.metrics.CacheHit()
	}
}

func (c *Cache) miss() {
	if c.metrics != nil {
		c.metrics.CacheMiss()
	}
}

func fromSnapshot(s *model.BusSnapshot, now time.Time) *model.CachedBusInfo {
	stops := make([]model.RouteStop, len(s.Stops))
	copy(stops, s.Stops)
	sort.SliceStable(stops, func(i, j int) bool { return stops[i].Order < stops[j].Order })
	return &model.CachedBusInfo{
		BusID:     s.BusID,
		BusNumber: s.BusNumber,
		RouteID:   s.RouteID,
		RouteName: s.RouteName,
		Stops:     stops,
		LoadedAt:  now,
	}
}
