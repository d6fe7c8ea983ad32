// Package proto defines the wire-level message codes shared by the JM and TM
// agents. Every value is a distinct int64 constant assigned once; they must
// never be renumbered within a build.
package proto

// Verb codes, sent by the JM as the first int64 after its own jobid string.
const (
	SendTask  int64 = 1 // JM -> TM: "I want to push tasks"
	ReadResult int64 = 2 // JM -> TM: "I want to pull results"
	SendHeart int64 = 3 // JM -> TM: heartbeat, no further I/O
	Terminate int64 = 4 // JM -> TM: exit immediately
)

// Push-tasks loop responses, sent by the TM.
const (
	SendMore int64 = 10 // room for another task, send it
	SendFull int64 = 11 // pool full, JM should stop pushing to this TM
	SendRjct int64 = 12 // Put() failed after SendMore was promised
)

// Pull-results loop responses, sent by the TM. Negative so it can never be
// mistaken for a real task_id, which is always >= 0 and only ever grows.
const (
	ReadEmpty int64 = -1 // result queue empty, nothing more this cycle
)

// Module outcome codes, used internally to tag a completed task when the
// module itself reported a problem rather than a transport/protocol one.
const (
	ResModuleError int64 = 30 // WorkerRun returned an error, or WorkerNew failed for the worker
	ResModuleNoAns int64 = 31 // NextTask produced no task and no context
	ResModuleCtxer int64 = 32 // echoed context did not match the supplied one
)

// CommitJobCtx is the fixed context value the orchestrator supplies to the
// module's CommitJob call (see pkg/orchestrator).
const CommitJobCtx int64 = 0x12345678
