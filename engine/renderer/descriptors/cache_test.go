package descriptors_test

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/descache/engine/core"
	"github.com/spaghettifunk/descache/engine/renderer/descriptors"
	"github.com/spaghettifunk/descache/engine/renderer/headless"
)

func TestSetDedup(t *testing.T) {
	c, dev := newCache(t, descriptors.CacheConfig{})

	a := mustSet(t, c, core.MainThread, ubo(0, 0, 1), texture(0, 1, 10, 11))
	before := dev.Stats()
	b := mustSet(t, c, core.MainThread, ubo(0, 0, 1), texture(0, 1, 10, 11))
	after := dev.Stats()

	if a != b {
		t.Fatal("identical bindings produced two sets")
	}
	if before != after {
		t.Errorf("cache hit touched the device: %+v -> %+v", before, after)
	}

	stats := c.Stats()
	if stats.SetHits != 1 || stats.SetMisses != 1 {
		t.Errorf("set hits/misses = %d/%d, want 1/1", stats.SetHits, stats.SetMisses)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestSetsDifferByResource(t *testing.T) {
	c, _ := newCache(t, descriptors.CacheConfig{})

	base := ubo(0, 0, 1)
	otherBuffer := ubo(0, 0, 2)
	otherOffset := ubo(0, 0, 1)
	otherOffset.Resources = []descriptors.ResourceRef{descriptors.BufferResource(1, 256, 256)}
	otherRange := ubo(0, 0, 1)
	otherRange.Resources = []descriptors.ResourceRef{descriptors.BufferResource(1, 0, descriptors.WholeSize)}

	handles := make(map[descriptors.SetHandle]bool)
	for _, b := range []descriptors.Binding{base, otherBuffer, otherOffset, otherRange} {
		s := mustSet(t, c, core.MainThread, b)
		if handles[s.Handle()] {
			t.Fatalf("resource %+v reused a native set", b.Resources[0])
		}
		handles[s.Handle()] = true
	}
	if c.Len() != 4 {
		t.Errorf("Len() = %d, want 4", c.Len())
	}
	if c.LayoutCount() != 1 {
		t.Errorf("LayoutCount() = %d, want 1", c.LayoutCount())
	}
}

func TestSetWritesReachDevice(t *testing.T) {
	c, dev := newCache(t, descriptors.CacheConfig{})

	s := mustSet(t, c, core.MainThread, ubo(2, 0, 7), texture(2, 3, 70, 71))

	w, ok := dev.Written(s.Handle(), 0)
	if !ok || len(w.Buffers) != 1 || w.Buffers[0].Buffer != 7 || w.Buffers[0].Range != 256 {
		t.Errorf("slot 0 write = %+v (found=%t)", w, ok)
	}
	w, ok = dev.Written(s.Handle(), 3)
	if !ok || len(w.Images) != 1 || w.Images[0].ImageView != 70 || w.Images[0].Sampler != 71 ||
		w.Images[0].Layout != descriptors.ImageLayoutShaderReadOnlyOptimal {
		t.Errorf("slot 3 write = %+v (found=%t)", w, ok)
	}

	if s.SetID() != 2 {
		t.Errorf("SetID() = %d, want 2", s.SetID())
	}
	if !s.References(70) || !s.References(7) || s.References(8) {
		t.Error("References does not match the bound resources")
	}
}

// Prealloc factor 5 and one set of two uniform buffers: the first pool holds
// ten buffers for five sets, and the sixth set lands in a second pool.
func TestPoolGrowthScenario(t *testing.T) {
	c, dev := newCache(t, descriptors.CacheConfig{PreallocFactor: 5})
	thread := core.ThreadID(3)

	for i := 0; i < 5; i++ {
		b := descriptors.Handle(100 + 2*i)
		mustSet(t, c, thread, ubo(0, 0, b, b+1))

		pools := c.Pools(thread)
		if len(pools) != 1 {
			t.Fatalf("after set %d: %d pools, want 1", i+1, len(pools))
		}
		expectRemaining(t, pools[0], uint32(8-2*i), uint32(4-i))
	}

	mustSet(t, c, thread, ubo(0, 0, 500, 501))
	pools := c.Pools(thread)
	if len(pools) != 2 {
		t.Fatalf("after set 6: %d pools, want 2", len(pools))
	}
	expectRemaining(t, pools[0], 0, 0)
	capacity := pools[1].Capacity()
	if capacity.Sizes[descriptors.DescriptorKindUniformBuffer] != 10 || capacity.NumSets != 5 {
		t.Errorf("second pool capacity = %s, want {UniformBuffer:10} sets:5", capacity)
	}
	expectRemaining(t, pools[1], 8, 4)

	if got := dev.Stats().PoolsCreated; got != 2 {
		t.Errorf("native pools created = %d, want 2", got)
	}
	if got := c.Stats().AllocRetries; got != 0 {
		t.Errorf("retries = %d, want 0", got)
	}
}

func TestRetryOnFreshPool(t *testing.T) {
	for _, cause := range []error{core.ErrOutOfPoolMemory, core.ErrFragmentedPool} {
		t.Run(cause.Error(), func(t *testing.T) {
			c, dev := newCache(t, descriptors.CacheConfig{})
			dev.FailNextAllocations(cause)

			s := mustSet(t, c, core.MainThread, ubo(0, 0, 1))

			if got := c.Stats().AllocRetries; got != 1 {
				t.Errorf("retries = %d, want 1", got)
			}
			stats := dev.Stats()
			if stats.PoolsCreated != 2 || stats.PoolsDestroyed != 1 {
				t.Errorf("pools created/destroyed = %d/%d, want 2/1", stats.PoolsCreated, stats.PoolsDestroyed)
			}
			if pools := c.Pools(core.MainThread); len(pools) != 1 || pools[0] != s.Pool() {
				t.Errorf("live pools = %v, want only the retry pool", pools)
			}
		})
	}
}

func TestSecondFailureIsResourceExhausted(t *testing.T) {
	c, dev := newCache(t, descriptors.CacheConfig{})
	dev.FailNextAllocations(core.ErrOutOfPoolMemory, core.ErrFragmentedPool)

	_, err := c.GetOrCreateSet(core.MainThread, 0, []descriptors.Binding{ubo(0, 0, 1)})
	if !errors.Is(err, descriptors.ErrResourceExhausted) {
		t.Fatalf("err = %v, want ErrResourceExhausted", err)
	}
	if !errors.Is(err, core.ErrFragmentedPool) {
		t.Errorf("err = %v lost its cause", err)
	}
	if c.Len() != 0 {
		t.Errorf("failed allocation interned %d sets", c.Len())
	}
	if dev.LivePools() != 0 {
		t.Errorf("failed allocations left %d native pools", dev.LivePools())
	}

	// The failure is not sticky.
	mustSet(t, c, core.MainThread, ubo(0, 0, 1))
}

func TestFailuresAreLoggedVerbatim(t *testing.T) {
	var buf bytes.Buffer
	core.SetLogOutput(&buf)
	defer core.SetLogOutput(io.Discard)

	c, dev := newCache(t, descriptors.CacheConfig{})
	dev.FailNextAllocations(core.ErrOutOfPoolMemory, errors.New("pool at 100% of %d sets"))

	if _, err := c.GetOrCreateSet(core.MainThread, 0, []descriptors.Binding{ubo(0, 0, 1)}); err == nil {
		t.Fatal("second failure did not surface")
	}
	out := buf.String()
	if !strings.Contains(out, "pool at 100% of %d sets") {
		t.Errorf("log does not carry the cause: %q", out)
	}
	if strings.Contains(out, "%!") {
		t.Errorf("error text was used as a format string: %q", out)
	}
}

func TestOtherFailuresAreNotRetried(t *testing.T) {
	c, dev := newCache(t, descriptors.CacheConfig{})
	lost := errors.New("device lost")
	dev.FailNextAllocations(lost)

	_, err := c.GetOrCreateSet(core.MainThread, 0, []descriptors.Binding{ubo(0, 0, 1)})
	if !errors.Is(err, lost) {
		t.Fatalf("err = %v, want %v", err, lost)
	}
	if errors.Is(err, descriptors.ErrResourceExhausted) {
		t.Error("non-exhaustion failure was reported as resource exhaustion")
	}
	if got := c.Stats().AllocRetries; got != 0 {
		t.Errorf("retries = %d, want 0", got)
	}
}

func TestContractViolations(t *testing.T) {
	wrongResource := ubo(0, 0, 1)
	wrongResource.Resources = []descriptors.ResourceRef{descriptors.ImageResource(5, descriptors.ImageLayoutGeneral)}

	missingResource := ubo(0, 0, 1)
	missingResource.Count = 2

	cases := []struct {
		name     string
		setID    uint32
		bindings []descriptors.Binding
	}{
		{"empty", 0, nil},
		{"unsorted", 0, []descriptors.Binding{ubo(0, 3, 1), ubo(0, 1, 2)}},
		{"duplicate slot", 0, []descriptors.Binding{ubo(0, 1, 1), ubo(0, 1, 2)}},
		{"wrong set id", 1, []descriptors.Binding{ubo(0, 0, 1)}},
		{"resource count", 0, []descriptors.Binding{missingResource}},
		{"resource kind", 0, []descriptors.Binding{wrongResource}},
	}

	c, dev := newCache(t, descriptors.CacheConfig{})
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := c.GetOrCreateSet(core.MainThread, tc.setID, tc.bindings)
			if !errors.Is(err, descriptors.ErrContractViolation) {
				t.Fatalf("err = %v, want a contract violation", err)
			}
		})
	}
	if got := dev.Stats().AllocateCalls; got != 0 {
		t.Errorf("contract violations reached the device %d times", got)
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestGetOrCreateSetsBatches(t *testing.T) {
	c, dev := newCache(t, descriptors.CacheConfig{})

	bindings := []descriptors.Binding{
		texture(1, 0, 10, 11),
		ubo(0, 1, 2),
		ubo(0, 0, 1),
		ubo(2, 0, 3),
	}
	sets, err := c.GetOrCreateSets(core.MainThread, bindings)
	if err != nil {
		t.Fatal(err)
	}
	defer descriptors.ReleaseSets(sets)
	if len(sets) != 3 {
		t.Fatalf("got %d sets, want 3", len(sets))
	}
	for i, s := range sets {
		if s.SetID() != uint32(i) {
			t.Errorf("sets[%d].SetID() = %d", i, s.SetID())
		}
	}
	if got := dev.Stats().AllocateCalls; got != 1 {
		t.Errorf("native allocate calls = %d, want 1", got)
	}
	if got := sets[0].Bindings(); len(got) != 2 || got[0].Slot != 0 || got[1].Slot != 1 {
		t.Errorf("set 0 bindings not sorted by slot: %+v", got)
	}

	again, err := c.GetOrCreateSets(core.MainThread, bindings)
	if err != nil {
		t.Fatal(err)
	}
	defer descriptors.ReleaseSets(again)
	for i := range sets {
		if again[i] != sets[i] {
			t.Errorf("set %d not reused", i)
		}
	}
	if got := dev.Stats().AllocateCalls; got != 1 {
		t.Errorf("native allocate calls after hits = %d, want 1", got)
	}

	single := mustSet(t, c, core.MainThread, ubo(2, 0, 3))
	if single != sets[2] {
		t.Error("batched and single lookups disagree")
	}

	pl, err := c.PipelineLayouts(bindings)
	if err != nil {
		t.Fatal(err)
	}
	if len(pl.Layouts) != 3 || len(pl.Handles()) != 3 {
		t.Fatalf("pipeline layouts = %+v", pl)
	}
	for i, l := range pl.Layouts {
		if l != sets[i].Layout() || pl.SetIDs[i] != uint32(i) {
			t.Errorf("pipeline layout %d does not match set layout", i)
		}
	}
}

func TestRemoveSetsWithHandle(t *testing.T) {
	c, dev := newCache(t, descriptors.CacheConfig{})

	const shared descriptors.Handle = 77
	a := mustSet(t, c, core.MainThread, ubo(0, 0, 1), texture(0, 1, shared, 5))
	mustSet(t, c, core.MainThread, ubo(0, 0, 2), texture(0, 1, shared, 5))
	kept := mustSet(t, c, core.MainThread, ubo(0, 0, 3), texture(0, 1, 78, 5))

	if n := c.RemoveSetsWithHandle(0); n != 0 {
		t.Errorf("RemoveSetsWithHandle(0) = %d, want 0", n)
	}
	if n := c.RemoveSetsWithHandle(shared); n != 2 {
		t.Fatalf("RemoveSetsWithHandle(shared) = %d, want 2", n)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
	if !a.Released() || kept.Released() {
		t.Error("eviction released the wrong sets")
	}

	again := mustSet(t, c, core.MainThread, ubo(0, 0, 1), texture(0, 1, shared, 5))
	if again == a {
		t.Error("evicted set was handed out again")
	}
	if c.Stats().SetMisses != 4 {
		t.Errorf("set misses = %d, want 4", c.Stats().SetMisses)
	}

	// The sampler is in every set.
	if n := c.RemoveSetsWithHandle(5); n != 2 {
		t.Errorf("RemoveSetsWithHandle(sampler) = %d, want 2", n)
	}
	if dev.LivePools() != 0 {
		t.Errorf("pool outlived its last set (%d native pools)", dev.LivePools())
	}
}

func TestHeldSetOutlivesEviction(t *testing.T) {
	c, dev := newCache(t, descriptors.CacheConfig{})

	s, err := c.GetOrCreateSet(core.MainThread, 0, []descriptors.Binding{ubo(0, 0, 9)})
	if err != nil {
		t.Fatal(err)
	}
	if !s.Retain() {
		t.Fatal("live set refused Retain")
	}
	c.RemoveSetsWithHandle(9)

	if s.Released() || s.Pool().Expired() || dev.LivePools() != 1 {
		t.Fatal("held set lost its pool on eviction")
	}
	s.Release()
	if s.Released() {
		t.Fatal("set released while the caller still holds it")
	}
	s.Release()
	if !s.Released() || !s.Pool().Expired() || dev.LivePools() != 0 {
		t.Fatal("pool survived the last release")
	}
	if s.Retain() {
		t.Error("released set accepted Retain")
	}
}

func TestHeldSetSurvivesConcurrentEviction(t *testing.T) {
	c, _ := newCache(t, descriptors.CacheConfig{})

	const evictors, rounds = 4, 2000
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < evictors; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					c.RemoveSetsWithHandle(1)
				}
			}
		}()
	}

	for r := 0; r < rounds; r++ {
		s, err := c.GetOrCreateSet(core.MainThread, 0, []descriptors.Binding{ubo(0, 0, 1)})
		if err != nil {
			t.Error(err)
			break
		}
		if s.Released() || s.Pool().Expired() {
			t.Errorf("round %d: set handed out already released", r)
			s.Release()
			break
		}
		if !s.Retain() {
			t.Errorf("round %d: held set refused Retain", r)
			s.Release()
			break
		}
		s.Release()
		s.Release()
	}
	close(stop)
	wg.Wait()

	c.RemoveSetsWithHandle(1)
	if n := c.Cleanup().LivePools; n != 0 {
		t.Errorf("%d pools left after every set was released", n)
	}
}

func TestBatchLargerThanSetTable(t *testing.T) {
	c, dev := newCache(t, descriptors.CacheConfig{MaxCachedSets: 1})

	sets, err := c.GetOrCreateSets(core.MainThread, []descriptors.Binding{ubo(0, 0, 1), ubo(1, 0, 2)})
	if err != nil {
		t.Fatal(err)
	}
	if len(sets) != 2 {
		t.Fatalf("got %d sets, want 2", len(sets))
	}
	for i, s := range sets {
		if s.Released() || s.Pool().Expired() {
			t.Errorf("set %d was released before the caller got it", i)
		}
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
	if got := c.Stats().SetsEvicted; got != 1 {
		t.Errorf("evicted = %d, want 1", got)
	}

	descriptors.ReleaseSets(sets)
	if !sets[0].Released() || sets[1].Released() {
		t.Error("after release only the interned set should be alive")
	}
	if dev.LivePools() != 1 {
		t.Errorf("native pools = %d, want 1", dev.LivePools())
	}
}

func TestSetTableIsBounded(t *testing.T) {
	c, _ := newCache(t, descriptors.CacheConfig{MaxCachedSets: 2})

	first := mustSet(t, c, core.MainThread, ubo(0, 0, 1))
	mustSet(t, c, core.MainThread, ubo(0, 0, 2))
	mustSet(t, c, core.MainThread, ubo(0, 0, 3))

	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
	if got := c.Stats().SetsEvicted; got != 1 {
		t.Errorf("evicted = %d, want 1", got)
	}
	if !first.Released() {
		t.Error("least recently used set was not evicted")
	}
}

func TestSetTableShrinks(t *testing.T) {
	c, _ := newCache(t, descriptors.CacheConfig{})

	oldest := mustSet(t, c, core.MainThread, ubo(0, 0, 1))
	mustSet(t, c, core.MainThread, ubo(0, 0, 2))
	newest := mustSet(t, c, core.MainThread, ubo(0, 0, 3))

	evicted, err := c.SetMaxCachedSets(1)
	if err != nil {
		t.Fatal(err)
	}
	if evicted != 2 || c.Len() != 1 {
		t.Errorf("evicted %d, Len() = %d; want 2 and 1", evicted, c.Len())
	}
	if !oldest.Released() || newest.Released() {
		t.Error("shrinking did not keep the most recent set")
	}
	if _, err := c.SetMaxCachedSets(0); !errors.Is(err, descriptors.ErrContractViolation) {
		t.Errorf("SetMaxCachedSets(0): err = %v", err)
	}
}

func TestCleanup(t *testing.T) {
	c, dev := newCache(t, descriptors.CacheConfig{})

	mustSet(t, c, 1, ubo(0, 0, 1))
	mustSet(t, c, 2, ubo(0, 0, 2))
	c.RemoveSetsWithHandle(1)

	stats := c.Cleanup()
	if stats.PoolsPruned != 1 {
		t.Errorf("pruned = %d, want 1", stats.PoolsPruned)
	}
	if stats.LivePools != 1 || stats.LiveSets != 1 || stats.LiveLayouts != 1 {
		t.Errorf("cleanup stats = %+v", stats)
	}
	if dev.LivePools() != 1 {
		t.Errorf("native pools = %d, want 1", dev.LivePools())
	}

	if stats := c.Cleanup(); stats.PoolsPruned != 0 {
		t.Errorf("second cleanup did work: %+v", stats)
	}
}

func TestThreadsOwnTheirPools(t *testing.T) {
	c, _ := newCache(t, descriptors.CacheConfig{})

	a := mustSet(t, c, 1, ubo(0, 0, 1))
	b := mustSet(t, c, 2, ubo(0, 0, 2))

	if a.Pool() == b.Pool() {
		t.Fatal("two threads share a pool")
	}
	if a.Pool().Thread() != 1 || b.Pool().Thread() != 2 {
		t.Errorf("pool threads = %d, %d", a.Pool().Thread(), b.Pool().Thread())
	}

	// A hit does not care which thread created the set.
	if mustSet(t, c, 2, ubo(0, 0, 1)) != a {
		t.Error("thread 2 did not reuse the set created on thread 1")
	}
}

func TestConcurrentRequestsConverge(t *testing.T) {
	c, dev := newCache(t, descriptors.CacheConfig{})

	const workers, materials, rounds = 8, 16, 50
	results := make([][]*descriptors.DescriptorSet, workers)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			thread := core.ThreadID(w + 1)
			results[w] = make([]*descriptors.DescriptorSet, materials)
			for r := 0; r < rounds; r++ {
				for m := 0; m < materials; m++ {
					h := descriptors.Handle(m + 1)
					s, err := c.GetOrCreateSet(thread, 0, []descriptors.Binding{ubo(0, 0, h), texture(0, 1, 1000+h, 1)})
					if err != nil {
						t.Errorf("worker %d: %v", w, err)
						return
					}
					s.Release()
					if results[w][m] == nil {
						results[w][m] = s
					} else if results[w][m] != s {
						t.Errorf("worker %d: material %d changed identity", w, m)
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()

	for m := 0; m < materials; m++ {
		for w := 1; w < workers; w++ {
			if results[w][m] != results[0][m] {
				t.Fatalf("material %d: workers 0 and %d got different sets", m, w)
			}
		}
	}
	if c.Len() != materials {
		t.Errorf("Len() = %d, want %d", c.Len(), materials)
	}
	if c.LayoutCount() != 1 {
		t.Errorf("LayoutCount() = %d, want 1", c.LayoutCount())
	}
	// Losers of an insert race release their set, so only interned sets
	// keep native sets alive.
	if got := dev.Stats().SetsAllocated; got < materials {
		t.Errorf("native sets allocated = %d, want at least %d", got, materials)
	}
}

func TestShutdownDestroysEverything(t *testing.T) {
	c, dev := newCache(t, descriptors.CacheConfig{})

	for i := 0; i < 12; i++ {
		mustSet(t, c, core.ThreadID(i%3), ubo(0, 0, descriptors.Handle(i+1)), texture(0, 1, 50, 51))
	}
	c.Shutdown()

	stats := dev.Stats()
	if dev.LivePools() != 0 || dev.LiveSets() != 0 {
		t.Errorf("after shutdown: %d pools, %d sets alive", dev.LivePools(), dev.LiveSets())
	}
	if stats.LayoutsDestroyed != stats.LayoutsCreated {
		t.Errorf("layouts created/destroyed = %d/%d", stats.LayoutsCreated, stats.LayoutsDestroyed)
	}
	if c.Len() != 0 || c.LayoutCount() != 0 {
		t.Errorf("cache not empty: %d sets, %d layouts", c.Len(), c.LayoutCount())
	}
}

func TestSetPreallocFactor(t *testing.T) {
	c, _ := newCache(t, descriptors.CacheConfig{})
	if c.PreallocFactor() != descriptors.DefaultPreallocFactor {
		t.Fatalf("PreallocFactor() = %d", c.PreallocFactor())
	}
	if err := c.SetPreallocFactor(0); !errors.Is(err, descriptors.ErrContractViolation) {
		t.Errorf("SetPreallocFactor(0): err = %v", err)
	}
	if err := c.SetPreallocFactor(2); err != nil {
		t.Fatal(err)
	}

	s := mustSet(t, c, core.MainThread, ubo(0, 0, 1, 2, 3))
	capacity := s.Pool().Capacity()
	if capacity.Sizes[descriptors.DescriptorKindUniformBuffer] != 6 || capacity.NumSets != 2 {
		t.Errorf("capacity = %s, want {UniformBuffer:6} sets:2", capacity)
	}
}

func ExampleCache_GetOrCreateSet() {
	c, _ := descriptors.NewCache(headless.NewDevice(), descriptors.CacheConfig{PreallocFactor: 5})
	defer c.Shutdown()

	camera := descriptors.NewBinding(0, 0, descriptors.DescriptorKindUniformBuffer, descriptors.ShaderStageVertex,
		descriptors.BufferResource(1, 0, 256))
	a, _ := c.GetOrCreateSet(core.MainThread, 0, []descriptors.Binding{camera})
	defer a.Release()
	b, _ := c.GetOrCreateSet(core.MainThread, 0, []descriptors.Binding{camera})
	defer b.Release()

	fmt.Println(a == b, c.Pools(core.MainThread)[0].Remaining())
	// Output: true {UniformBuffer:4} sets:4
}
