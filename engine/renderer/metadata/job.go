package metadata

import "github.com/spaghettifunk/descache/engine/core"

/**
 * @brief Entry point of a job. thread is the execution context of the worker
 * running it and must be passed to anything that keeps per-thread state, such
 * as descriptor pools. Whatever the job sends on output is handed to the
 * success or failure callback.
 */
type JobStart func(thread core.ThreadID, input interface{}, output chan<- interface{}) error

/** @brief Invoked with the job's output once it finished. */
type JobOnComplete func(output interface{})

/** @brief Describes a job to be run. */
type JobTask struct {
	/** @brief Shows up in logs when the job fails. */
	Name string
	/** @brief Data passed to the entry point. */
	InputParams interface{}
	/** @brief Invoked on a worker when the job starts. Required. */
	OnStart JobStart
	/** @brief Invoked when OnStart returned no error. Optional. */
	OnComplete JobOnComplete
	/** @brief Invoked when OnStart returned an error. Optional. */
	OnFailure JobOnComplete
	/** @brief Invoked after either of the above, whatever the outcome. Optional. */
	OnCompletionCallback func()
}
