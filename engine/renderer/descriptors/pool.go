package descriptors

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/spaghettifunk/descache/engine/core"
)

// DescriptorPool is a fixed-capacity arena that native sets are carved from.
// Its remaining capacity only ever goes down.
//
// A pool is reference counted: whoever creates it holds one reference and
// every DescriptorSet allocated from it holds another. When the count drops
// to zero the native pool is destroyed, freeing all of its sets at once, and
// the pool is expired for good.
type DescriptorPool struct {
	ID uuid.UUID

	thread  core.ThreadID
	device  Device
	handle  PoolHandle
	initial AllocationRequest

	mu        sync.Mutex
	remaining AllocationRequest

	refs atomic.Int32
}

func newDescriptorPool(device Device, thread core.ThreadID, capacity AllocationRequest) (*DescriptorPool, error) {
	h, err := device.CreateDescriptorPool(capacity.Sizes.Clone(), capacity.NumSets)
	if err != nil {
		err = errors.Wrapf(err, "failed to create descriptor pool %s", capacity)
		core.LogError("%s", err)
		return nil, err
	}

	pool := &DescriptorPool{
		ID:      uuid.New(),
		thread:  thread,
		device:  device,
		handle:  h,
		initial: AllocationRequest{Sizes: capacity.Sizes.Clone(), NumSets: capacity.NumSets},
		remaining: AllocationRequest{
			Sizes:   capacity.Sizes.Clone(),
			NumSets: capacity.NumSets,
		},
	}
	pool.refs.Store(1)
	return pool, nil
}

func (p *DescriptorPool) Thread() core.ThreadID {
	return p.thread
}

func (p *DescriptorPool) Handle() PoolHandle {
	return p.handle
}

// Capacity is what the pool was created with.
func (p *DescriptorPool) Capacity() AllocationRequest {
	return AllocationRequest{Sizes: p.initial.Sizes.Clone(), NumSets: p.initial.NumSets}
}

func (p *DescriptorPool) Remaining() AllocationRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return AllocationRequest{Sizes: p.remaining.Sizes.Clone(), NumSets: p.remaining.NumSets}
}

// HasCapacityFor is only a pre-check. The native allocation can still fail
// on a fragmented pool.
func (p *DescriptorPool) HasCapacityFor(req AllocationRequest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remaining.NumSets >= req.NumSets && p.remaining.Sizes.Covers(req.Sizes)
}

// Allocate carves one native set per layout out of the pool. On failure the
// remaining capacity is untouched; failures the pool could not satisfy are
// marked ErrPoolExhausted.
func (p *DescriptorPool) Allocate(layouts []*Layout) ([]SetHandle, error) {
	if p.Expired() {
		return nil, errors.Wrapf(ErrExpiredPool, "pool %s", p.ID)
	}
	if len(layouts) == 0 {
		return nil, nil
	}

	handles := make([]LayoutHandle, len(layouts))
	for i, l := range layouts {
		h, err := l.materialize(p.device)
		if err != nil {
			return nil, err
		}
		handles[i] = h
	}

	req := BuildRequest(layouts, 1)
	if !p.HasCapacityFor(req) {
		return nil, errors.Mark(
			errors.Newf("pool %s has %s left, %s requested", p.ID, p.Remaining(), req),
			ErrPoolExhausted)
	}

	sets, err := p.device.AllocateDescriptorSets(p.handle, handles)
	if err != nil {
		err = errors.Wrapf(err, "failed to allocate %d descriptor sets from pool %s", len(layouts), p.ID)
		if isPoolExhaustion(err) {
			err = errors.Mark(err, ErrPoolExhausted)
		}
		return nil, err
	}
	if len(sets) != len(layouts) {
		return nil, errors.Mark(
			errors.Newf("device returned %d descriptor sets for %d layouts", len(sets), len(layouts)),
			core.ErrNativeCall)
	}

	p.mu.Lock()
	p.remaining.Sizes.Sub(req.Sizes)
	p.remaining.NumSets = saturatingSub(p.remaining.NumSets, req.NumSets)
	p.mu.Unlock()

	return sets, nil
}

// Retain adds a reference unless the pool already expired.
func (p *DescriptorPool) Retain() bool {
	for {
		n := p.refs.Load()
		if n <= 0 {
			return false
		}
		if p.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference and destroys the native pool with the last one.
func (p *DescriptorPool) Release() {
	n := p.refs.Add(-1)
	switch {
	case n == 0:
		p.device.DestroyDescriptorPool(p.handle)
		core.LogDebug("destroyed descriptor pool %s (thread %d)", p.ID, p.thread)
	case n < 0:
		core.LogError("descriptor pool %s released more often than retained", p.ID)
	}
}

func (p *DescriptorPool) Expired() bool {
	return p.refs.Load() <= 0
}

// References is the current reference count, for diagnostics.
func (p *DescriptorPool) References() int32 {
	return p.refs.Load()
}
