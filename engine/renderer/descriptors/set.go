package descriptors

import (
	"encoding/binary"
	"slices"
	"sync/atomic"

	"github.com/spaghettifunk/descache/engine/core"
)

// setKey is the structural identity of a resolved set: its layout, its set id
// and, per binding, the kind and every bound resource with its range. Native
// set and pool handles are not part of it.
type setKey string

func makeSetKey(layout *Layout, setID uint32, bindings []Binding) setKey {
	buf := make([]byte, 0, len(layout.key)+8+len(bindings)*64)
	buf = append(buf, layout.key...)
	buf = binary.LittleEndian.AppendUint32(buf, setID)
	for _, b := range bindings {
		buf = binary.LittleEndian.AppendUint32(buf, b.Slot)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(b.Kind))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b.Resources)))
		for _, r := range b.Resources {
			buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Buffer))
			buf = binary.LittleEndian.AppendUint64(buf, r.Offset)
			buf = binary.LittleEndian.AppendUint64(buf, r.Range)
			buf = binary.LittleEndian.AppendUint64(buf, uint64(r.ImageView))
			buf = binary.LittleEndian.AppendUint64(buf, uint64(r.Sampler))
			buf = binary.LittleEndian.AppendUint32(buf, uint32(r.ImageLayout))
			buf = binary.LittleEndian.AppendUint64(buf, uint64(r.BufferView))
			buf = binary.LittleEndian.AppendUint64(buf, uint64(r.AccelerationStructure))
		}
	}
	return setKey(buf)
}

// DescriptorSet is a resolved set: a native set allocated from a pool with
// every binding written.
//
// The set keeps its pool alive. The cache holds one reference to every set it
// interns and hands out sets with one more reference taken for the caller;
// Retain fails once the last reference is gone.
type DescriptorSet struct {
	key      setKey
	setID    uint32
	layout   *Layout
	bindings []Binding
	handle   SetHandle
	pool     *DescriptorPool

	refs atomic.Int32
}

// newDescriptorSet takes a reference on pool, which the caller must already
// hold alive.
func newDescriptorSet(key setKey, setID uint32, layout *Layout, bindings []Binding, handle SetHandle, pool *DescriptorPool) *DescriptorSet {
	owned := make([]Binding, len(bindings))
	for i, b := range bindings {
		b.Count = b.DescriptorCount()
		b.Resources = slices.Clone(b.Resources)
		owned[i] = b
	}
	if !pool.Retain() {
		core.LogError("descriptor set %d created from expired pool %s", handle, pool.ID)
	}
	s := &DescriptorSet{
		key:      key,
		setID:    setID,
		layout:   layout,
		bindings: owned,
		handle:   handle,
		pool:     pool,
	}
	s.refs.Store(1)
	return s
}

func (s *DescriptorSet) SetID() uint32 {
	return s.setID
}

func (s *DescriptorSet) Layout() *Layout {
	return s.layout
}

func (s *DescriptorSet) Handle() SetHandle {
	return s.handle
}

func (s *DescriptorSet) Pool() *DescriptorPool {
	return s.pool
}

func (s *DescriptorSet) Bindings() []Binding {
	out := make([]Binding, len(s.bindings))
	for i, b := range s.bindings {
		b.Resources = slices.Clone(b.Resources)
		out[i] = b
	}
	return out
}

// References reports whether any binding of the set refers to h.
func (s *DescriptorSet) References(h Handle) bool {
	for _, b := range s.bindings {
		if b.references(h) {
			return true
		}
	}
	return false
}

func (s *DescriptorSet) Retain() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference. With the last one the set lets go of its pool.
func (s *DescriptorSet) Release() {
	n := s.refs.Add(-1)
	switch {
	case n == 0:
		s.pool.Release()
	case n < 0:
		core.LogError("descriptor set %d released more often than retained", s.handle)
	}
}

// Released reports whether every reference to the set is gone.
func (s *DescriptorSet) Released() bool {
	return s.refs.Load() <= 0
}

// writes builds one native write per binding.
func (s *DescriptorSet) writes() []DescriptorWrite {
	out := make([]DescriptorWrite, 0, len(s.bindings))
	for _, b := range s.bindings {
		w := DescriptorWrite{
			Set:  s.handle,
			Slot: b.Slot,
			Kind: b.Kind,
		}
		switch b.Kind.category() {
		case categoryImage:
			w.Images = make([]ImageInfo, len(b.Resources))
			for i, r := range b.Resources {
				w.Images[i] = ImageInfo{Sampler: r.Sampler, ImageView: r.ImageView, Layout: r.ImageLayout}
			}
		case categoryBuffer:
			w.Buffers = make([]BufferInfo, len(b.Resources))
			for i, r := range b.Resources {
				w.Buffers[i] = BufferInfo{Buffer: r.Buffer, Offset: r.Offset, Range: r.Range}
			}
		case categoryTexelBuffer:
			w.TexelBufferViews = make([]Handle, len(b.Resources))
			for i, r := range b.Resources {
				w.TexelBufferViews[i] = r.BufferView
			}
		case categoryAccelerationStructure:
			w.AccelerationStructures = make([]Handle, len(b.Resources))
			for i, r := range b.Resources {
				w.AccelerationStructures[i] = r.AccelerationStructure
			}
		}
		out = append(out, w)
	}
	return out
}
