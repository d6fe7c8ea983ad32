package taskpool

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/taskrun/spits/pkg/log"
	"github.com/taskrun/spits/pkg/module"
	"github.com/taskrun/spits/pkg/wire/proto"
)

// Start spawns p.workers worker goroutines via an errgroup.Group. No worker
// ever returns an error to the group; a module failure is recorded on the
// task's result, not propagated as a goroutine error, so g.Wait() only ever
// blocks until ctx is cancelled.
func (p *Pool) Start(ctx context.Context) *errgroup.Group {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			p.runWorker(gctx)
			return nil
		})
	}
	return g
}

func (p *Pool) runWorker(ctx context.Context) {
	logger := log.WithComponent("taskpool.worker")

	state, err := p.mod.WorkerNew(nil)
	broken := err != nil
	if broken {
		logger.Error().Err(err).Msg("WorkerNew failed, worker will report ResModuleError for every task")
	} else {
		defer p.mod.FinalizeWorker(state)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.runTask(logger, state, broken, task)
		}
	}
}

// runTask executes one task against the module, recovering a panic so a
// single bad task cannot kill the worker goroutine. It pushes a Result onto
// the result queue on success or module error; a task whose echoed context
// mismatches, or whose result is nil, is logged and dropped.
func (p *Pool) runTask(logger zerolog.Logger, state module.WorkerState, broken bool, task Task) {
	result := Result{TaskID: task.TaskID, RunID: task.RunID}

	if broken {
		logger.Error().Int64("task_id", task.TaskID).Msg("module unavailable (WorkerNew failed earlier), reporting ResModuleError")
		result.WorkerStatus = proto.ResModuleError
		p.results <- result
		return
	}

	status, body, echoedCtx, err := func() (status int, body []byte, echoedCtx int64, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Interface("panic", r).Int64("task_id", task.TaskID).Msg("worker run panicked, task dropped")
				status, body, echoedCtx, err = 1, nil, task.TaskID, nil
			}
		}()
		return p.mod.WorkerRun(state, task.Body, task.TaskID)
	}()

	switch {
	case err != nil:
		logger.Error().Err(err).Int64("task_id", task.TaskID).Msg("WorkerRun failed")
		result.WorkerStatus = proto.ResModuleError
		p.results <- result

	case echoedCtx != task.TaskID:
		logger.Error().Int64("task_id", task.TaskID).Int64("echoed", echoedCtx).
			Msg("WorkerRun echoed context mismatch, task dropped")
		// ContextMismatchError: the task is dropped, not pushed to the result
		// queue — the module is considered buggy for this task.

	case body == nil:
		logger.Warn().Int64("task_id", task.TaskID).Msg("WorkerRun returned nil result, task dropped")

	default:
		result.WorkerStatus = int64(status)
		result.Body = body
		p.results <- result
	}
}
