package descriptors

import (
	"encoding/binary"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/descache/engine/core"
)

// layoutKey is the structural identity of a layout: the ordered
// (slot, kind, count, stages) tuples, nothing else.
type layoutKey string

func appendShape(buf []byte, shapes []LayoutBinding) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(shapes)))
	for _, s := range shapes {
		buf = binary.LittleEndian.AppendUint32(buf, s.Slot)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Kind))
		buf = binary.LittleEndian.AppendUint32(buf, s.Count)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(s.Stages))
	}
	return buf
}

// Layout is an interned descriptor-set layout. It never changes after
// creation except for the lazily created native handle.
type Layout struct {
	key          layoutKey
	bindings     []LayoutBinding
	requirements PoolSizes

	mu     sync.Mutex
	handle LayoutHandle
	ready  bool
}

func newLayout(key layoutKey, shapes []LayoutBinding) *Layout {
	req := make(PoolSizes)
	for _, s := range shapes {
		req[s.Kind] = saturatingAdd(req[s.Kind], s.Count)
	}
	return &Layout{
		key:          key,
		bindings:     shapes,
		requirements: req,
	}
}

// Bindings returns the layout's bindings ordered by slot.
func (l *Layout) Bindings() []LayoutBinding {
	return slices.Clone(l.bindings)
}

// Requirements returns how many descriptors of each kind one set of this
// layout consumes.
func (l *Layout) Requirements() PoolSizes {
	return l.requirements.Clone()
}

// Handle returns the native handle if it has been created.
func (l *Layout) Handle() (LayoutHandle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handle, l.ready
}

// materialize creates the native layout on first use. A failure is not
// cached; the next call tries again.
func (l *Layout) materialize(device Device) (LayoutHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ready {
		return l.handle, nil
	}
	h, err := device.CreateDescriptorSetLayout(l.Bindings())
	if err != nil {
		err = errors.Wrapf(err, "failed to create descriptor set layout with %d bindings", len(l.bindings))
		core.LogError("%s", err)
		return 0, err
	}
	l.handle = h
	l.ready = true
	return h, nil
}

func (l *Layout) destroy(device Device) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ready {
		device.DestroyDescriptorSetLayout(l.handle)
		l.handle = 0
		l.ready = false
	}
}

// LayoutInterner hands out one Layout per distinct binding shape.
type LayoutInterner struct {
	device  Device
	metrics *core.CacheMetrics

	mu      sync.Mutex
	layouts map[layoutKey]*Layout
}

func NewLayoutInterner(device Device, metrics *core.CacheMetrics) *LayoutInterner {
	if metrics == nil {
		metrics = &core.CacheMetrics{}
	}
	return &LayoutInterner{
		device:  device,
		metrics: metrics,
		layouts: make(map[layoutKey]*Layout),
	}
}

// GetOrCreate returns the layout for the shape of bindings, which must all
// belong to one set and be sorted by slot without duplicates. The bound
// resources are ignored.
func (li *LayoutInterner) GetOrCreate(bindings []Binding) (*Layout, error) {
	if err := validateShape(bindings); err != nil {
		return nil, err
	}

	shapes := make([]LayoutBinding, len(bindings))
	for i, b := range bindings {
		shapes[i] = b.shape()
	}
	key := layoutKey(appendShape(nil, shapes))

	li.mu.Lock()
	layout, ok := li.layouts[key]
	if !ok {
		layout = newLayout(key, shapes)
		li.layouts[key] = layout
	}
	li.mu.Unlock()

	if ok {
		li.metrics.LayoutHits.Add(1)
	} else {
		li.metrics.LayoutMisses.Add(1)
		core.LogDebug("interned descriptor set layout #%d with %d bindings %s", li.Len(), len(shapes), layout.requirements)
	}

	if _, err := layout.materialize(li.device); err != nil {
		return nil, err
	}
	return layout, nil
}

func (li *LayoutInterner) Len() int {
	li.mu.Lock()
	defer li.mu.Unlock()
	return len(li.layouts)
}

func (li *LayoutInterner) destroyAll() {
	li.mu.Lock()
	defer li.mu.Unlock()

	for _, l := range li.layouts {
		l.destroy(li.device)
	}
	clear(li.layouts)
}
