package descriptors

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/exp/constraints"
)

// PoolSizes counts descriptors per kind. A missing kind means zero.
type PoolSizes map[DescriptorKind]uint32

func (p PoolSizes) Clone() PoolSizes {
	out := make(PoolSizes, len(p))
	for k, n := range p {
		out[k] = n
	}
	return out
}

// Add accumulates other into p.
func (p PoolSizes) Add(other PoolSizes) {
	for k, n := range other {
		p[k] = saturatingAdd(p[k], n)
	}
}

// Scale returns a copy of p with every count multiplied by factor.
func (p PoolSizes) Scale(factor uint32) PoolSizes {
	out := make(PoolSizes, len(p))
	for k, n := range p {
		out[k] = saturatingMul(n, factor)
	}
	return out
}

// Covers reports whether p has at least as many descriptors as need, per kind.
func (p PoolSizes) Covers(need PoolSizes) bool {
	for k, n := range need {
		if p[k] < n {
			return false
		}
	}
	return true
}

// Sub removes need from p. The caller checks Covers first.
func (p PoolSizes) Sub(need PoolSizes) {
	for k, n := range need {
		p[k] = saturatingSub(p[k], n)
	}
}

func (p PoolSizes) Total() uint64 {
	var total uint64
	for _, n := range p {
		total += uint64(n)
	}
	return total
}

// Kinds returns the kinds with a non-zero count, sorted.
func (p PoolSizes) Kinds() []DescriptorKind {
	kinds := make([]DescriptorKind, 0, len(p))
	for k, n := range p {
		if n > 0 {
			kinds = append(kinds, k)
		}
	}
	slices.Sort(kinds)
	return kinds
}

func (p PoolSizes) String() string {
	parts := make([]string, 0, len(p))
	for _, k := range p.Kinds() {
		parts = append(parts, fmt.Sprintf("%s:%d", k, p[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

// AllocationRequest is what one native allocation needs from a pool.
type AllocationRequest struct {
	Sizes   PoolSizes
	NumSets uint32
}

// BuildRequest sums the requirements of layouts. The multiplier scales both
// the descriptor counts and the number of sets; 0 counts as 1.
func BuildRequest(layouts []*Layout, multiplier uint32) AllocationRequest {
	if multiplier == 0 {
		multiplier = 1
	}
	sizes := make(PoolSizes)
	for _, l := range layouts {
		sizes.Add(l.requirements)
	}
	if multiplier > 1 {
		sizes = sizes.Scale(multiplier)
	}
	return AllocationRequest{
		Sizes:   sizes,
		NumSets: saturatingMul(uint32(len(layouts)), multiplier),
	}
}

// Scale returns the request multiplied by factor, used to over-provision pools.
func (r AllocationRequest) Scale(factor uint32) AllocationRequest {
	return AllocationRequest{
		Sizes:   r.Sizes.Scale(factor),
		NumSets: saturatingMul(r.NumSets, factor),
	}
}

func (r AllocationRequest) IsZero() bool {
	return r.NumSets == 0 && r.Sizes.Total() == 0
}

func (r AllocationRequest) String() string {
	return fmt.Sprintf("%s sets:%d", r.Sizes, r.NumSets)
}

func maxOf[T constraints.Unsigned]() T {
	return ^T(0)
}

func saturatingAdd[T constraints.Unsigned](a, b T) T {
	if a > maxOf[T]()-b {
		return maxOf[T]()
	}
	return a + b
}

func saturatingSub[T constraints.Unsigned](a, b T) T {
	if b > a {
		return 0
	}
	return a - b
}

func saturatingMul[T constraints.Unsigned](a, b T) T {
	if a == 0 || b == 0 {
		return 0
	}
	if a > maxOf[T]()/b {
		return maxOf[T]()
	}
	return a * b
}
