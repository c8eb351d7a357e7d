package descriptors

import (
	"cmp"
	"encoding/binary"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spaghettifunk/descache/engine/core"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxCachedSets bounds the interned-set table when no size is given.
const DefaultMaxCachedSets = 1 << 16

type CacheConfig struct {
	// PreallocFactor multiplies the request that triggers a new pool. It is
	// best set before the first allocation; later changes only affect pools
	// created afterwards.
	PreallocFactor uint32
	// MaxCachedSets bounds the interned-set table. The least recently used
	// set is evicted when it is full.
	MaxCachedSets int
}

// Cache hands out descriptor sets for bindings, interning layouts by shape
// and sets by shape plus bound resources, and carving native sets out of
// per-thread pools.
//
// All methods are safe for concurrent use. The thread argument names the
// execution context making the call; pools are only reused by the context
// that created them, so one thread id must not be used by two goroutines at
// the same time.
//
// Every set handed out is retained for the caller, who releases it once the
// draw that binds it is recorded (see ReleaseSets). Eviction only drops the
// table's reference, so a returned set stays valid until the caller lets go
// of it.
type Cache struct {
	device  Device
	metrics *core.CacheMetrics

	layouts *LayoutInterner
	pools   *PoolManager
	sets    *lru.Cache[setKey, *DescriptorSet]

	inflight singleflight.Group
}

func NewCache(device Device, config CacheConfig) (*Cache, error) {
	if device == nil {
		return nil, errors.New("descriptor cache needs a device")
	}
	if config.MaxCachedSets <= 0 {
		config.MaxCachedSets = DefaultMaxCachedSets
	}

	metrics := &core.CacheMetrics{}
	sets, err := lru.NewWithEvict[setKey, *DescriptorSet](config.MaxCachedSets, func(_ setKey, s *DescriptorSet) {
		metrics.SetsEvicted.Add(1)
		s.Release()
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the interned set table")
	}

	return &Cache{
		device:  device,
		metrics: metrics,
		layouts: NewLayoutInterner(device, metrics),
		pools:   NewPoolManager(device, config.PreallocFactor, metrics),
		sets:    sets,
	}, nil
}

// GetOrCreateLayout returns the interned layout for the shape of bindings.
func (c *Cache) GetOrCreateLayout(bindings []Binding) (*Layout, error) {
	return c.layouts.GetOrCreate(bindings)
}

// SetLayouts is the ordered list of layouts a pipeline uses, one per set id.
type SetLayouts struct {
	SetIDs  []uint32
	Layouts []*Layout
}

// Handles returns the native layout handles in set id order.
func (sl SetLayouts) Handles() []LayoutHandle {
	out := make([]LayoutHandle, len(sl.Layouts))
	for i, l := range sl.Layouts {
		out[i], _ = l.Handle()
	}
	return out
}

// PipelineLayouts resolves the layout of every set id used by bindings.
// Bindings may come in any order; they are grouped by set id and sorted by
// slot.
func (c *Cache) PipelineLayouts(bindings []Binding) (SetLayouts, error) {
	groups := groupBySet(bindings)
	out := SetLayouts{
		SetIDs:  make([]uint32, 0, len(groups)),
		Layouts: make([]*Layout, 0, len(groups)),
	}
	for _, g := range groups {
		l, err := c.layouts.GetOrCreate(g)
		if err != nil {
			return SetLayouts{}, err
		}
		out.SetIDs = append(out.SetIDs, g[0].SetID)
		out.Layouts = append(out.Layouts, l)
	}
	return out, nil
}

// GetOrCreateSet returns the set for setID with bindings bound, retained for
// the caller. Bindings must be sorted by slot and all belong to setID.
func (c *Cache) GetOrCreateSet(thread core.ThreadID, setID uint32, bindings []Binding) (*DescriptorSet, error) {
	for _, b := range bindings {
		if b.SetID != setID {
			return nil, contractViolation("binding %d belongs to set %d, requested set %d", b.Slot, b.SetID, setID)
		}
	}
	sets, err := c.getOrCreate(thread, [][]Binding{bindings})
	if err != nil {
		return nil, err
	}
	return sets[0], nil
}

// GetOrCreateSets returns one retained set per set id used by bindings,
// ordered by set id. Sets missing from the cache are allocated together from
// one pool.
func (c *Cache) GetOrCreateSets(thread core.ThreadID, bindings []Binding) ([]*DescriptorSet, error) {
	if len(bindings) == 0 {
		return nil, nil
	}
	return c.getOrCreate(thread, groupBySet(bindings))
}

// ReleaseSets releases every set of a GetOrCreateSets result. Nil entries are
// skipped.
func ReleaseSets(sets []*DescriptorSet) {
	for _, s := range sets {
		if s != nil {
			s.Release()
		}
	}
}

type pendingSet struct {
	index    int
	key      setKey
	setID    uint32
	layout   *Layout
	bindings []Binding
}

func (c *Cache) getOrCreate(thread core.ThreadID, groups [][]Binding) ([]*DescriptorSet, error) {
	pending := make([]pendingSet, 0, len(groups))
	for i, g := range groups {
		layout, err := c.layouts.GetOrCreate(g)
		if err != nil {
			return nil, err
		}
		if err := validateResources(g); err != nil {
			return nil, err
		}
		key := makeSetKey(layout, g[0].SetID, g)
		pending = append(pending, pendingSet{index: i, key: key, setID: g[0].SetID, layout: layout, bindings: g})
	}

	out := make([]*DescriptorSet, len(groups))
	for {
		misses := c.lookup(pending, out)
		if len(misses) == 0 {
			return out, nil
		}

		// Only the caller that runs the allocation fills out; everyone who
		// shared its flight looks the sets up again and retains them itself.
		leader := false
		_, err, _ := c.inflight.Do(batchKey(misses), func() (interface{}, error) {
			leader = true
			return nil, c.allocateAndInsert(thread, misses, out)
		})
		if err != nil {
			ReleaseSets(out)
			return nil, err
		}
		if leader {
			return out, nil
		}
		pending = misses
	}
}

// lookup stores the interned set of every pending entry it finds in out,
// retained for the caller, and returns the entries it did not find. A set
// that is evicted between the table lookup and the retain counts as missing.
func (c *Cache) lookup(pending []pendingSet, out []*DescriptorSet) []pendingSet {
	var misses []pendingSet
	for _, p := range pending {
		if s, ok := c.sets.Get(p.key); ok && s.Retain() {
			c.metrics.SetHits.Add(1)
			out[p.index] = s
			continue
		}
		misses = append(misses, p)
	}
	return misses
}

func batchKey(misses []pendingSet) string {
	var sb strings.Builder
	var n [4]byte
	for _, m := range misses {
		binary.LittleEndian.PutUint32(n[:], uint32(len(m.key)))
		sb.Write(n[:])
		sb.WriteString(string(m.key))
	}
	return sb.String()
}

// allocateAndInsert resolves every miss that is still missing, writes it and
// interns it, storing the retained results in out. On error the sets already
// stored in out stay there for the caller to release.
func (c *Cache) allocateAndInsert(thread core.ThreadID, misses []pendingSet, out []*DescriptorSet) error {
	todo := c.lookup(misses, out)
	if len(todo) == 0 {
		return nil
	}

	layouts := make([]*Layout, len(todo))
	for n, m := range todo {
		layouts[n] = m.layout
	}
	handles, pool, err := c.allocate(thread, layouts)
	if err != nil {
		return err
	}
	defer pool.Release()

	created := make([]*DescriptorSet, len(todo))
	var writes []DescriptorWrite
	for n, m := range todo {
		created[n] = newDescriptorSet(m.key, m.setID, m.layout, m.bindings, handles[n], pool)
		writes = append(writes, created[n].writes()...)
	}

	if err := c.device.UpdateDescriptorSets(writes); err != nil {
		ReleaseSets(created)
		err = errors.Wrapf(err, "failed to write %d descriptor sets", len(created))
		core.LogError("%s", err)
		return err
	}
	c.metrics.DescriptorWrites.Add(uint64(len(writes)))

	for n, m := range todo {
		out[m.index] = c.insert(created[n])
	}
	return nil
}

// insert interns a freshly written set and returns the instance the caller
// gets, retained. If another caller interned the same key first, that
// instance wins and s is dropped.
//
// The caller's reference is taken before s enters the table, so s stays
// valid even when a later insert of the same batch evicts it right away.
func (c *Cache) insert(s *DescriptorSet) *DescriptorSet {
	s.Retain()
	for {
		prev, ok, _ := c.sets.PeekOrAdd(s.key, s)
		if !ok {
			c.metrics.SetMisses.Add(1)
			return s
		}
		if prev.Retain() {
			c.metrics.SetHits.Add(1)
			s.Release()
			s.Release()
			return prev
		}
		// prev was evicted after the peek; its key is free again.
	}
}

// allocate carves one set per layout out of a pool of thread. A pool that
// turns out to be too small or fragmented gets exactly one retry on a fresh
// pool. The returned pool is retained; the caller releases it.
func (c *Cache) allocate(thread core.ThreadID, layouts []*Layout) ([]SetHandle, *DescriptorPool, error) {
	req := BuildRequest(layouts, 1)

	pool, err := c.pools.GetPoolFor(thread, req, false)
	if err != nil {
		return nil, nil, err
	}
	handles, err := pool.Allocate(layouts)
	if err == nil {
		return handles, pool, nil
	}
	pool.Release()
	if !isPoolExhaustion(err) {
		return nil, nil, err
	}

	c.metrics.AllocRetries.Add(1)
	core.LogDebug("descriptor allocation on thread %d failed (%s), retrying on a fresh pool", thread, err)

	pool, err = c.pools.GetPoolFor(thread, req, true)
	if err != nil {
		err = errors.Mark(errors.Wrap(err, "failed to create a fresh descriptor pool for the retry"), ErrResourceExhausted)
		core.LogError("%s", err)
		return nil, nil, err
	}
	handles, err = pool.Allocate(layouts)
	if err != nil {
		pool.Release()
		err = errors.Mark(errors.Wrapf(err, "descriptor allocation of %s failed on a fresh pool", req), ErrResourceExhausted)
		core.LogError("%s", err)
		return nil, nil, err
	}
	return handles, pool, nil
}

// RemoveSetsWithHandle evicts every interned set that refers to h in any
// binding and returns how many were evicted. Call it before destroying h.
func (c *Cache) RemoveSetsWithHandle(h Handle) int {
	if h == 0 {
		return 0
	}
	removed := 0
	for _, k := range c.sets.Keys() {
		s, ok := c.sets.Peek(k)
		if !ok || !s.References(h) {
			continue
		}
		if c.sets.Remove(k) {
			removed++
		}
	}
	if removed > 0 {
		core.LogDebug("evicted %d descriptor sets referencing handle %#x", removed, uint64(h))
	}
	return removed
}

type CleanupStats struct {
	PoolsPruned int
	LiveLayouts int
	LiveSets    int
	LivePools   int
}

// Cleanup forgets expired pools and reports what is still alive. An interned
// set holds its pool, so a pool only expires once all of its sets have been
// evicted and released by their callers; there is nothing to drop from the
// set table here.
func (c *Cache) Cleanup() CleanupStats {
	var stats CleanupStats
	stats.PoolsPruned = c.pools.Prune()
	stats.LiveLayouts = c.layouts.Len()
	stats.LiveSets = c.sets.Len()
	stats.LivePools = c.pools.PoolCount()
	return stats
}

// Shutdown evicts every set and destroys every layout. Pools still held by
// retained sets are destroyed once those are released.
func (c *Cache) Shutdown() {
	c.sets.Purge()
	c.pools.Prune()
	if n := c.pools.PoolCount(); n > 0 {
		core.LogWarn("%d descriptor pools outlive the cache; some sets are still retained", n)
	}
	c.layouts.destroyAll()
}

func (c *Cache) SetPreallocFactor(factor uint32) error {
	if err := c.pools.SetPreallocFactor(factor); err != nil {
		return err
	}
	if c.pools.PoolCount() > 0 {
		core.LogWarn("prealloc factor changed to %d after pools were created; only new pools use it", factor)
	}
	return nil
}

func (c *Cache) PreallocFactor() uint32 {
	return c.pools.PreallocFactor()
}

// SetMaxCachedSets resizes the interned-set table, evicting the least
// recently used sets if it shrinks. It returns how many were evicted.
func (c *Cache) SetMaxCachedSets(n int) (int, error) {
	if n <= 0 {
		return 0, contractViolation("the set table needs room for at least one set, got %d", n)
	}
	return c.sets.Resize(n), nil
}

// Pools returns the live pools created on thread.
func (c *Cache) Pools(thread core.ThreadID) []*DescriptorPool {
	return c.pools.Pools(thread)
}

func (c *Cache) Stats() core.MetricsSnapshot {
	return c.metrics.Snapshot()
}

// Len is the number of interned sets.
func (c *Cache) Len() int {
	return c.sets.Len()
}

func (c *Cache) LayoutCount() int {
	return c.layouts.Len()
}

func groupBySet(bindings []Binding) [][]Binding {
	sorted := slices.Clone(bindings)
	slices.SortStableFunc(sorted, func(a, b Binding) int {
		return cmp.Or(cmp.Compare(a.SetID, b.SetID), cmp.Compare(a.Slot, b.Slot))
	})

	var groups [][]Binding
	start := 0
	for i := 1; i <= len(sorted); i++ {
		if i == len(sorted) || sorted[i].SetID != sorted[start].SetID {
			groups = append(groups, sorted[start:i])
			start = i
		}
	}
	return groups
}
