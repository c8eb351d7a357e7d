package core

import (
	"github.com/cockroachdb/errors"
)

// Errors reported by Device implementations for native calls.
var (
	// ErrOutOfPoolMemory is returned when a descriptor pool cannot fit an allocation.
	ErrOutOfPoolMemory = errors.New("descriptor pool out of memory")
	// ErrFragmentedPool is returned when a pool has room on paper but its memory is fragmented.
	ErrFragmentedPool = errors.New("descriptor pool fragmented")
	// ErrNativeCall wraps any other failed native call.
	ErrNativeCall = errors.New("native call failed")
	ErrUnknown    = errors.New("unknown")
)
