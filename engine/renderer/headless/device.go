// Package headless implements descriptors.Device in memory. It keeps the
// bookkeeping a driver would (pool capacity, which sets live in which pool,
// what was written where) without touching a GPU, and lets callers inject
// allocation failures the way a fragmented pool would produce them.
package headless

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/descache/engine/core"
	"github.com/spaghettifunk/descache/engine/renderer/descriptors"
)

type Stats struct {
	LayoutsCreated     uint64
	LayoutsDestroyed   uint64
	PoolsCreated       uint64
	PoolsDestroyed     uint64
	AllocateCalls      uint64
	SetsAllocated      uint64
	UpdateCalls        uint64
	DescriptorsWritten uint64
}

type pool struct {
	remaining     descriptors.PoolSizes
	remainingSets uint32
	sets          []descriptors.SetHandle
}

type set struct {
	pool    descriptors.PoolHandle
	layout  descriptors.LayoutHandle
	written map[uint32]descriptors.DescriptorWrite
}

type Device struct {
	mu sync.Mutex

	next     uint64
	layouts  map[descriptors.LayoutHandle][]descriptors.LayoutBinding
	pools    map[descriptors.PoolHandle]*pool
	sets     map[descriptors.SetHandle]*set
	failures []error

	stats Stats
}

func NewDevice() *Device {
	return &Device{
		layouts: make(map[descriptors.LayoutHandle][]descriptors.LayoutBinding),
		pools:   make(map[descriptors.PoolHandle]*pool),
		sets:    make(map[descriptors.SetHandle]*set),
	}
}

func (d *Device) nextHandle() uint64 {
	d.next++
	return d.next
}

// FailNextAllocations makes the next len(errs) AllocateDescriptorSets calls
// fail with errs, in order, regardless of pool capacity.
func (d *Device) FailNextAllocations(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, errs...)
}

func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Device) LivePools() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pools)
}

func (d *Device) LiveSets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sets)
}

// PoolRemaining reports what the device itself has left in a pool.
func (d *Device) PoolRemaining(h descriptors.PoolHandle) (descriptors.PoolSizes, uint32, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pools[h]
	if !ok {
		return nil, 0, false
	}
	return p.remaining.Clone(), p.remainingSets, true
}

// Written returns the last write recorded for slot of a live set.
func (d *Device) Written(h descriptors.SetHandle, slot uint32) (descriptors.DescriptorWrite, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.sets[h]
	if !ok {
		return descriptors.DescriptorWrite{}, false
	}
	w, ok := s.written[slot]
	return w, ok
}

func (d *Device) CreateDescriptorSetLayout(bindings []descriptors.LayoutBinding) (descriptors.LayoutHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(bindings) == 0 {
		return 0, errors.Mark(errors.New("layout without bindings"), core.ErrNativeCall)
	}
	h := descriptors.LayoutHandle(d.nextHandle())
	d.layouts[h] = append([]descriptors.LayoutBinding(nil), bindings...)
	d.stats.LayoutsCreated++
	return h, nil
}

func (d *Device) DestroyDescriptorSetLayout(h descriptors.LayoutHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.layouts[h]; ok {
		delete(d.layouts, h)
		d.stats.LayoutsDestroyed++
	}
}

func (d *Device) CreateDescriptorPool(sizes descriptors.PoolSizes, maxSets uint32) (descriptors.PoolHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if maxSets == 0 {
		return 0, errors.Mark(errors.New("descriptor pool with maxSets 0"), core.ErrNativeCall)
	}
	h := descriptors.PoolHandle(d.nextHandle())
	d.pools[h] = &pool{
		remaining:     sizes.Clone(),
		remainingSets: maxSets,
	}
	d.stats.PoolsCreated++
	return h, nil
}

// DestroyDescriptorPool frees the pool and every set allocated from it.
func (d *Device) DestroyDescriptorPool(h descriptors.PoolHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pools[h]
	if !ok {
		return
	}
	for _, s := range p.sets {
		delete(d.sets, s)
	}
	delete(d.pools, h)
	d.stats.PoolsDestroyed++
}

func (d *Device) AllocateDescriptorSets(h descriptors.PoolHandle, layouts []descriptors.LayoutHandle) ([]descriptors.SetHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.AllocateCalls++

	p, ok := d.pools[h]
	if !ok {
		return nil, errors.Mark(errors.Newf("unknown descriptor pool %d", h), core.ErrNativeCall)
	}
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		return nil, err
	}

	need := make(descriptors.PoolSizes)
	for _, lh := range layouts {
		bindings, ok := d.layouts[lh]
		if !ok {
			return nil, errors.Mark(errors.Newf("unknown descriptor set layout %d", lh), core.ErrNativeCall)
		}
		for _, b := range bindings {
			need[b.Kind] += b.Count
		}
	}
	if p.remainingSets < uint32(len(layouts)) || !p.remaining.Covers(need) {
		return nil, errors.Wrapf(core.ErrOutOfPoolMemory, "pool %d cannot fit %d sets %s", h, len(layouts), need)
	}

	p.remaining.Sub(need)
	p.remainingSets -= uint32(len(layouts))

	out := make([]descriptors.SetHandle, len(layouts))
	for i, lh := range layouts {
		sh := descriptors.SetHandle(d.nextHandle())
		d.sets[sh] = &set{pool: h, layout: lh, written: make(map[uint32]descriptors.DescriptorWrite)}
		p.sets = append(p.sets, sh)
		out[i] = sh
	}
	d.stats.SetsAllocated += uint64(len(out))
	return out, nil
}

// UpdateDescriptorSets validates every write against the set's layout, the
// way validation layers would, and records it. Nothing is applied if any
// write is invalid.
func (d *Device) UpdateDescriptorSets(writes []descriptors.DescriptorWrite) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, w := range writes {
		s, ok := d.sets[w.Set]
		if !ok {
			return errors.Mark(errors.Newf("write %d targets unknown descriptor set %d", i, w.Set), core.ErrNativeCall)
		}
		var binding *descriptors.LayoutBinding
		for j, b := range d.layouts[s.layout] {
			if b.Slot == w.Slot {
				binding = &d.layouts[s.layout][j]
				break
			}
		}
		if binding == nil {
			return errors.Mark(errors.Newf("write %d targets missing binding %d", i, w.Slot), core.ErrNativeCall)
		}
		if binding.Kind != w.Kind {
			return errors.Mark(errors.Newf("write %d is %s but binding %d is %s", i, w.Kind, w.Slot, binding.Kind), core.ErrNativeCall)
		}
		if w.Count() == 0 || w.ArrayElement+uint32(w.Count()) > binding.Count {
			return errors.Mark(errors.Newf("write %d writes %d descriptors at %d into binding %d of %d",
				i, w.Count(), w.ArrayElement, w.Slot, binding.Count), core.ErrNativeCall)
		}
	}

	for _, w := range writes {
		d.sets[w.Set].written[w.Slot] = w
		d.stats.DescriptorsWritten += uint64(w.Count())
	}
	d.stats.UpdateCalls++
	return nil
}

var _ descriptors.Device = (*Device)(nil)
