package descriptors

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/descache/engine/core"
)

// DefaultPreallocFactor is how many times larger than the triggering request
// a new pool is made.
const DefaultPreallocFactor uint32 = 5

// threadPools is the pool list of one execution context. Only that context
// allocates from these pools; the mutex is there for Prune and Pools, which
// may run elsewhere, and is uncontended on the allocation path.
type threadPools struct {
	mu    sync.Mutex
	pools []*DescriptorPool
	// retired is set once Prune removed the list from the map; a pool
	// created afterwards goes to a fresh list.
	retired bool
}

// PoolManager keeps, per execution context, the pools that context created.
// It does not own them: the lists only observe pools, and entries whose pool
// expired are skipped and pruned.
type PoolManager struct {
	device         Device
	metrics        *core.CacheMetrics
	preallocFactor atomic.Uint32

	threads sync.Map // core.ThreadID -> *threadPools
}

func NewPoolManager(device Device, preallocFactor uint32, metrics *core.CacheMetrics) *PoolManager {
	if metrics == nil {
		metrics = &core.CacheMetrics{}
	}
	pm := &PoolManager{
		device:  device,
		metrics: metrics,
	}
	if preallocFactor == 0 {
		preallocFactor = DefaultPreallocFactor
	}
	pm.preallocFactor.Store(preallocFactor)
	return pm
}

func (pm *PoolManager) PreallocFactor() uint32 {
	return pm.preallocFactor.Load()
}

// SetPreallocFactor changes the sizing of pools created from now on. Existing
// pools keep their size.
func (pm *PoolManager) SetPreallocFactor(factor uint32) error {
	if factor == 0 {
		return contractViolation("prealloc factor must be at least 1")
	}
	pm.preallocFactor.Store(factor)
	return nil
}

func (pm *PoolManager) listFor(thread core.ThreadID) *threadPools {
	if tp, ok := pm.threads.Load(thread); ok {
		return tp.(*threadPools)
	}
	tp, _ := pm.threads.LoadOrStore(thread, &threadPools{})
	return tp.(*threadPools)
}

// GetPoolFor returns a retained pool of thread able to take req. The caller
// must Release it once it took what it needed.
//
// Unless forceNew is set, the first live pool of the thread with enough room
// is reused. Otherwise a new pool sized req times the prealloc factor is
// created and recorded for the thread.
func (pm *PoolManager) GetPoolFor(thread core.ThreadID, req AllocationRequest, forceNew bool) (*DescriptorPool, error) {
	tp := pm.listFor(thread)

	if !forceNew {
		tp.mu.Lock()
		live := tp.pools[:0]
		var found *DescriptorPool
		for _, p := range tp.pools {
			if p.Expired() {
				continue
			}
			live = append(live, p)
			if found == nil && p.HasCapacityFor(req) && p.Retain() {
				found = p
			}
		}
		clear(tp.pools[len(live):])
		tp.pools = live
		tp.mu.Unlock()

		if found != nil {
			return found, nil
		}
	}

	capacity := req.Scale(pm.PreallocFactor())
	if capacity.IsZero() {
		return nil, contractViolation("refusing to create an empty descriptor pool for request %s", req)
	}
	pool, err := newDescriptorPool(pm.device, thread, capacity)
	if err != nil {
		return nil, errors.Mark(err, core.ErrNativeCall)
	}

	for {
		tp.mu.Lock()
		if !tp.retired {
			break
		}
		tp.mu.Unlock()
		tp = pm.listFor(thread)
	}
	tp.pools = append(tp.pools, pool)
	count := len(tp.pools)
	tp.mu.Unlock()

	pm.metrics.PoolsCreated.Add(1)
	core.LogDebug("created descriptor pool %s for thread %d with capacity %s (%d pools on thread, forced=%t)",
		pool.ID, thread, capacity, count, forceNew)
	return pool, nil
}

// Pools returns the live pools of thread in creation order.
func (pm *PoolManager) Pools(thread core.ThreadID) []*DescriptorPool {
	v, ok := pm.threads.Load(thread)
	if !ok {
		return nil
	}
	tp := v.(*threadPools)

	tp.mu.Lock()
	defer tp.mu.Unlock()

	out := make([]*DescriptorPool, 0, len(tp.pools))
	for _, p := range tp.pools {
		if !p.Expired() {
			out = append(out, p)
		}
	}
	return out
}

// Prune drops expired pools from every thread list and returns how many were
// dropped. Threads left without pools are forgotten.
func (pm *PoolManager) Prune() int {
	pruned := 0
	pm.threads.Range(func(k, v any) bool {
		tp := v.(*threadPools)
		tp.mu.Lock()
		live := tp.pools[:0]
		for _, p := range tp.pools {
			if p.Expired() {
				pruned++
				continue
			}
			live = append(live, p)
		}
		clear(tp.pools[len(live):])
		tp.pools = live
		if len(live) == 0 {
			tp.retired = true
			pm.threads.CompareAndDelete(k, v)
		}
		tp.mu.Unlock()
		return true
	})
	return pruned
}

// Threads is the number of execution contexts with a pool list.
func (pm *PoolManager) Threads() int {
	count := 0
	pm.threads.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// PoolCount is the number of live pools across all threads.
func (pm *PoolManager) PoolCount() int {
	count := 0
	pm.threads.Range(func(k, _ any) bool {
		count += len(pm.Pools(k.(core.ThreadID)))
		return true
	})
	return count
}
