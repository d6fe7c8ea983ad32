/*
Package log wraps zerolog to provide JSON-structured logging with
component-specific child loggers, a configurable level/output, and helper
functions for common logging patterns across the JM and TM agents.

# Usage

Initializing the logger:

	import "github.com/taskrun/spits/pkg/log"

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Component loggers tag every line with the emitting subsystem and, where
relevant, the run/task/TM it concerns:

	logger := log.WithComponent("pusher")
	logger.Debug().Int64("task_id", id).Msg("pushed task")

	log.WithTM(endpoint.Name).Warn().Msg("handshake jobid mismatch")

# Levels

Debug is for per-connection protocol tracing (handshake results, verb
dispatch) and for results from an older run discarded on commit. Info covers
run lifecycle events (run starting, run committed). Warn covers recoverable
anomalies: a TM rejecting a push, a registry file that failed to parse.
Error covers
module-reported failures. Fatal is reserved for startup failures that leave
the agent unable to do useful work (bind failure, module load failure).
*/
package log
