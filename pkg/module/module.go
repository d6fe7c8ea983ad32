// Package module defines the computation-module ABI consumed by the JM and
// TM agents and provides two loaders for it: a dynamic one backed by Go's
// stdlib plugin package, and a static one for tests and local smoke runs.
package module

// JMState, WorkerState, and CommitterState are opaque handles returned by
// the module's constructors and threaded back through every subsequent call
// on that role. The runtime never inspects them.
type (
	JMState        any
	WorkerState    any
	CommitterState any
)

// Module is the Go-shaped view of the computation-module ABI: the
// job-manager side that generates tasks, the worker side that runs them,
// and the committer side that folds results into a job outcome.
type Module interface {
	JobManagerNew(argv []string, jobInfo []byte) (JMState, error)
	NextTask(state JMState, ctx int64) (ok bool, task []byte, echoedCtx int64, err error)

	WorkerNew(argv []string) (WorkerState, error)
	WorkerRun(state WorkerState, task []byte, ctx int64) (status int, result []byte, echoedCtx int64, err error)

	CommitterNew(argv []string, jobInfo []byte) (CommitterState, error)
	CommitPit(state CommitterState, result []byte) (status int, err error)
	CommitJob(state CommitterState, ctx int64) (status int, result []byte, echoedCtx int64, err error)

	FinalizeJM(state JMState)
	FinalizeWorker(state WorkerState)
	FinalizeCommitter(state CommitterState)
}

// Pusher bundles two callbacks, Emit and Done. No function in this
// repository takes or calls a Pusher: NextTask returns its task and echoed
// context directly, and the orchestrator's RunCallback has no Pusher
// argument.
type Pusher struct {
	Emit func(task []byte, ctx int64)
	Done func()
}
