package descriptors

import (
	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/descache/engine/core"
)

var (
	// ErrContractViolation marks a request the caller should never have made:
	// unsorted or duplicate slots, mixed set ids, unknown kinds, resources that
	// do not match their binding. Never retried.
	ErrContractViolation = errors.New("descriptor contract violation")

	// ErrPoolExhausted marks an allocation a pool could not satisfy. The cache
	// retries it once on a fresh pool.
	ErrPoolExhausted = errors.New("descriptor pool exhausted")

	// ErrResourceExhausted is returned when the retry on a fresh pool failed too.
	ErrResourceExhausted = errors.New("descriptor resources exhausted")

	// ErrExpiredPool is returned when using a pool whose last reference is gone.
	ErrExpiredPool = errors.New("descriptor pool expired")
)

func contractViolation(format string, args ...interface{}) error {
	err := errors.Mark(errors.Newf(format, args...), ErrContractViolation)
	core.LogError("%s", err)
	return err
}

// isPoolExhaustion reports whether a failed allocation is worth retrying on a
// fresh pool.
func isPoolExhaustion(err error) bool {
	return errors.Is(err, ErrPoolExhausted) ||
		errors.Is(err, core.ErrOutOfPoolMemory) ||
		errors.Is(err, core.ErrFragmentedPool)
}
