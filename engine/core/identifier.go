package core

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// ThreadID identifies an execution context (a worker) that owns descriptor pools.
// It is passed explicitly instead of being derived from the running goroutine.
type ThreadID uint32

// MainThread is the context used by callers that never run on a worker.
const MainThread ThreadID = 0

// IdentifierPool hands out ThreadIDs, reusing released slots first.
// Slot 0 is reserved for MainThread.
type IdentifierPool struct {
	mu     sync.Mutex
	owners []interface{}
}

func NewIdentifierPool() *IdentifierPool {
	owners := make([]interface{}, 1, 16)
	owners[MainThread] = "main"
	return &IdentifierPool{owners: owners}
}

func (ip *IdentifierPool) Acquire(owner interface{}) ThreadID {
	ip.mu.Lock()
	defer ip.mu.Unlock()

	for i := 1; i < len(ip.owners); i++ {
		// Existing free spot. Take it.
		if ip.owners[i] == nil {
			ip.owners[i] = owner
			return ThreadID(i)
		}
	}

	ip.owners = append(ip.owners, owner)
	return ThreadID(len(ip.owners) - 1)
}

func (ip *IdentifierPool) Release(id ThreadID) error {
	ip.mu.Lock()
	defer ip.mu.Unlock()

	if id == MainThread {
		return errors.New("identifier release: the main thread id cannot be released")
	}
	if int(id) >= len(ip.owners) {
		return errors.Newf("identifier release: id '%d' out of range (max=%d). Nothing was done", id, len(ip.owners)-1)
	}
	if ip.owners[id] == nil {
		return errors.Newf("identifier release: id '%d' is not in use", id)
	}
	ip.owners[id] = nil
	return nil
}

// Owner returns whatever was registered with the id, or nil.
func (ip *IdentifierPool) Owner(id ThreadID) interface{} {
	ip.mu.Lock()
	defer ip.mu.Unlock()

	if int(id) >= len(ip.owners) {
		return nil
	}
	return ip.owners[id]
}
