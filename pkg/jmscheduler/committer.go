package jmscheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskrun/spits/pkg/config"
	"github.com/taskrun/spits/pkg/log"
	"github.com/taskrun/spits/pkg/module"
	"github.com/taskrun/spits/pkg/registry"
	"github.com/taskrun/spits/pkg/wire"
	"github.com/taskrun/spits/pkg/wire/proto"
)

// Committer drives the JM's result-drain loop for one run: it pulls results
// from every TM and folds each into the committer module state, deduping
// against completed and stale/future run_ids.
type Committer struct {
	cfg    *config.Config
	state  *State
	mod    module.Module
	co     module.CommitterState
	runID  int64
	root   string
	result []byte

	lastRegistry registry.Registry
}

// NewCommitter builds a Committer for one run.
func NewCommitter(cfg *config.Config, state *State, mod module.Module, co module.CommitterState, runID int64, registryRoot string) *Committer {
	return &Committer{cfg: cfg, state: state, mod: mod, co: co, runID: runID, root: registryRoot}
}

// Run executes the committer loop until pending is empty and generation is
// done, or ctx is cancelled.
func (c *Committer) Run(ctx context.Context) error {
	logger := log.WithComponent("committer")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		reg, _, err := registry.Load(c.root)
		if err != nil {
			logger.Warn().Err(err).Msg("registry load failed, keeping previous")
			reg = c.lastRegistry
		} else if len(reg) == 0 && len(c.lastRegistry) != 0 {
			logger.Warn().Msg("registry reloaded empty, keeping previous")
			reg = c.lastRegistry
		}
		c.lastRegistry = reg

		for name, ep := range reg {
			c.drainTM(logger, name, ep)
		}

		if c.state.pendingEmpty() && c.state.isGenerationDone() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.RecvBackoff):
		}
	}
}

func (c *Committer) drainTM(logger zerolog.Logger, name string, ep registry.Endpoint) {
	connectDeadline := time.Now().Add(c.cfg.ConnTimeout)
	e, err := wire.Dial("tcp", endpointAddr(ep), connectDeadline)
	if err != nil {
		logger.Debug().Str("tm", name).Err(err).Msg("connect failed")
		return
	}
	defer e.Close()

	ioDeadline := time.Now().Add(c.cfg.RecvTimeout)
	if err := e.WriteString(c.cfg.JobID, ioDeadline); err != nil {
		logger.Debug().Str("tm", name).Err(err).Msg("handshake write failed")
		return
	}
	if err := e.WriteInt64(proto.ReadResult, ioDeadline); err != nil {
		logger.Debug().Str("tm", name).Err(err).Msg("verb write failed")
		return
	}
	peerJobID, err := e.ReadString(ioDeadline)
	if err != nil {
		logger.Debug().Str("tm", name).Err(err).Msg("handshake read failed")
		return
	}
	if peerJobID != c.cfg.JobID {
		logger.Warn().Str("tm", name).Msg("handshake jobid mismatch")
		return
	}

	for {
		deadline := time.Now().Add(c.cfg.RecvTimeout)
		taskID, err := e.ReadInt64(deadline)
		if err != nil {
			logger.Debug().Str("tm", name).Err(err).Msg("task_id read failed")
			return
		}
		if taskID == proto.ReadEmpty {
			return
		}

		runID, err := e.ReadInt64(deadline)
		if err != nil {
			logger.Debug().Str("tm", name).Err(err).Msg("run_id read failed")
			return
		}
		workerStatus, err := e.ReadInt64(deadline)
		if err != nil {
			logger.Debug().Str("tm", name).Err(err).Msg("worker_status read failed")
			return
		}
		body, err := e.ReadBytes(deadline)
		if err != nil {
			logger.Debug().Str("tm", name).Err(err).Msg("body read failed")
			return
		}

		if err := e.WriteInt64(proto.ReadResult, deadline); err != nil {
			logger.Debug().Str("tm", name).Err(err).Msg("ack write failed")
			return
		}

		switch {
		case runID < c.runID:
			logger.Debug().Str("tm", name).Int64("task_id", taskID).Int64("run_id", runID).
				Msg("discarding result from older run")
			continue
		case runID > c.runID:
			logger.Error().Str("tm", name).Int64("task_id", taskID).Int64("run_id", runID).
				Msg("result from a future run, discarding")
			continue
		}

		if c.state.isCompleted(taskID) {
			c.state.removePending(taskID)
			continue
		}

		commitStatus, err := c.mod.CommitPit(c.co, body)
		if err != nil {
			logger.Error().Err(err).Int64("task_id", taskID).Msg("CommitPit failed")
		}
		c.state.recordCompleted(taskID, workerStatus, commitStatus)
		c.state.removePending(taskID)
	}
}
