package systems

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spaghettifunk/descache/engine/core"
	"github.com/spaghettifunk/descache/engine/renderer/metadata"
)

// JobSystem runs jobs on a fixed set of workers. Every worker owns one
// execution context (a core.ThreadID) for its whole life, so state kept per
// thread, such as descriptor pools, is only ever touched by one goroutine.
type JobSystem struct {
	numWorkers int
	jobQueue   chan metadata.JobTask
	wg         sync.WaitGroup

	ids     *core.IdentifierPool
	threads []core.ThreadID

	mu     sync.RWMutex
	closed bool
}

var ErrNoWorkers = errors.New("attempting to create worker pool with less than 1 worker")
var ErrNegativeChannelSize = errors.New("attempting to create worker pool with a negative channel size")
var ErrJobSystemClosed = errors.New("job system is shut down")

func NewJobSystem(numWorkers int, channelSize int, ids *core.IdentifierPool) (*JobSystem, error) {
	if numWorkers <= 0 {
		return nil, ErrNoWorkers
	}
	if channelSize < 0 {
		return nil, ErrNegativeChannelSize
	}
	if ids == nil {
		ids = core.NewIdentifierPool()
	}

	js := &JobSystem{
		numWorkers: numWorkers,
		jobQueue:   make(chan metadata.JobTask, channelSize),
		ids:        ids,
		threads:    make([]core.ThreadID, numWorkers),
	}
	for i := range js.threads {
		js.threads[i] = ids.Acquire(fmt.Sprintf("job worker %d", i))
	}

	js.start()

	core.LogDebug("job system started with %d workers (threads %v)", numWorkers, js.threads)
	return js, nil
}

func (js *JobSystem) start() {
	for _, thread := range js.threads {
		js.wg.Add(1)
		go func(thread core.ThreadID) {
			defer js.wg.Done()
			for job := range js.jobQueue {
				js.run(thread, job)
			}
		}(thread)
	}
}

func (js *JobSystem) run(thread core.ThreadID, job metadata.JobTask) {
	if job.OnCompletionCallback != nil {
		defer job.OnCompletionCallback()
	}
	if job.OnStart == nil {
		core.LogError("job '%s' has no entry point", job.Name)
		return
	}

	output := make(chan interface{}, 1)
	err := job.OnStart(thread, job.InputParams, output)

	var result interface{}
	select {
	case result = <-output:
	default:
	}

	if err != nil {
		core.LogError("job '%s' failed on thread %d: %s", job.Name, thread, err)
		if job.OnFailure != nil {
			job.OnFailure(result)
		}
		return
	}
	if job.OnComplete != nil {
		job.OnComplete(result)
	}
}

// Threads lists the execution contexts of the workers.
func (js *JobSystem) Threads() []core.ThreadID {
	return append([]core.ThreadID(nil), js.threads...)
}

/**
 * @brief Shuts the job system down. Queued jobs still run; Shutdown waits for them.
 */
func (js *JobSystem) Shutdown() error {
	js.mu.Lock()
	if js.closed {
		js.mu.Unlock()
		return nil
	}
	js.closed = true
	close(js.jobQueue)
	js.mu.Unlock()

	js.wg.Wait()

	var errs error
	for _, thread := range js.threads {
		if err := js.ids.Release(thread); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

// AddWorkNonBlocking queues the job from a new goroutine and returns immediately.
func (js *JobSystem) AddWorkNonBlocking(jt metadata.JobTask) {
	go func() {
		if err := js.Submit(jt); err != nil {
			core.LogWarn("job '%s' dropped: %s", jt.Name, err)
		}
	}()
}

/**
 * @brief Submits the provided job to be queued for execution. Blocks while the queue is full.
 */
func (js *JobSystem) Submit(jt metadata.JobTask) error {
	js.mu.RLock()
	defer js.mu.RUnlock()

	if js.closed {
		return ErrJobSystemClosed
	}
	js.jobQueue <- jt
	return nil
}
