package jmscheduler

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskrun/spits/pkg/config"
	"github.com/taskrun/spits/pkg/log"
	"github.com/taskrun/spits/pkg/module"
	"github.com/taskrun/spits/pkg/registry"
	"github.com/taskrun/spits/pkg/wire"
	"github.com/taskrun/spits/pkg/wire/proto"
)

// Pusher drives the JM's task-generation and dispatch loop for one run.
type Pusher struct {
	cfg   *config.Config
	state *State
	mod   module.Module
	jm    module.JMState
	runID int64
	root  string // registry root, "." in production, a temp dir in tests

	nextID int64 // next task_id to mint when generation is still open

	// submissionLog is a per-pusher view of task_ids pushed at least once,
	// oldest first; it may legally contain stale entries between prunes.
	submissionLog []int64

	lastRegistry registry.Registry
}

// NewPusher builds a Pusher for one run.
func NewPusher(cfg *config.Config, state *State, mod module.Module, jm module.JMState, runID int64, registryRoot string) *Pusher {
	return &Pusher{cfg: cfg, state: state, mod: mod, jm: jm, runID: runID, root: registryRoot, nextID: 1}
}

// Run executes the pusher loop until generation is done and the pending map
// is empty, or ctx is cancelled.
func (p *Pusher) Run(ctx context.Context) error {
	logger := log.WithComponent("pusher")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		reg, _, err := registry.Load(p.root)
		if err != nil {
			logger.Warn().Err(err).Msg("registry load failed, keeping previous")
			reg = p.lastRegistry
		} else if len(reg) == 0 && len(p.lastRegistry) != 0 {
			logger.Warn().Msg("registry reloaded empty, keeping previous")
			reg = p.lastRegistry
		}
		p.lastRegistry = reg

		for name, ep := range reg {
			p.pushToTM(logger, name, ep)
		}

		if p.state.isGenerationDone() && p.state.pendingEmpty() {
			return nil
		}

		p.pruneSubmissionLog()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.SendBackoff):
		}
	}
}

// pushToTM runs the full push loop against one TM: connect, handshake, then
// repeatedly generate-or-resubmit a task and push it until the TM signals
// full, rejects, or the connection breaks.
func (p *Pusher) pushToTM(logger zerolog.Logger, name string, ep registry.Endpoint) {
	connectDeadline := time.Now().Add(p.cfg.ConnTimeout)
	e, err := wire.Dial("tcp", endpointAddr(ep), connectDeadline)
	if err != nil {
		logger.Debug().Str("tm", name).Err(err).Msg("connect failed")
		return
	}
	defer e.Close()

	ioDeadline := time.Now().Add(p.cfg.SendTimeout)
	if err := e.WriteString(p.cfg.JobID, ioDeadline); err != nil {
		logger.Debug().Str("tm", name).Err(err).Msg("handshake write failed")
		return
	}
	if err := e.WriteInt64(proto.SendTask, ioDeadline); err != nil {
		logger.Debug().Str("tm", name).Err(err).Msg("verb write failed")
		return
	}
	peerJobID, err := e.ReadString(ioDeadline)
	if err != nil {
		logger.Debug().Str("tm", name).Err(err).Msg("handshake read failed")
		return
	}
	if peerJobID != p.cfg.JobID {
		logger.Warn().Str("tm", name).Msg("handshake jobid mismatch")
		return
	}

	resp, err := e.ReadInt64(ioDeadline)
	if err != nil {
		logger.Debug().Str("tm", name).Err(err).Msg("initial response read failed")
		return
	}
	switch resp {
	case proto.SendFull:
		return
	case proto.SendMore:
		// proceed
	default:
		logger.Warn().Str("tm", name).Int64("resp", resp).Msg("unexpected initial response")
		return
	}

	var bufferedID int64
	var bufferedBody []byte
	haveBuffered := false

	for {
		if !haveBuffered {
			id, body, ok, done := p.nextPayload()
			if done && !ok {
				return
			}
			if !ok {
				// nothing to send this cycle (generation done, nothing
				// pending to resubmit yet); end this TM's turn.
				return
			}
			bufferedID, bufferedBody, haveBuffered = id, body, true
		}

		deadline := time.Now().Add(p.cfg.SendTimeout)
		if err := e.WriteInt64(bufferedID, deadline); err != nil {
			logger.Debug().Str("tm", name).Err(err).Msg("task_id write failed")
			return
		}
		if err := e.WriteInt64(p.runID, deadline); err != nil {
			logger.Debug().Str("tm", name).Err(err).Msg("run_id write failed")
			return
		}
		if err := e.WriteBytes(bufferedBody, deadline); err != nil {
			logger.Debug().Str("tm", name).Err(err).Msg("body write failed")
			return
		}

		resp, err := e.ReadInt64(deadline)
		if err != nil {
			logger.Debug().Str("tm", name).Err(err).Msg("push response read failed")
			return
		}

		switch resp {
		case proto.SendMore:
			p.submissionLog = append(p.submissionLog, bufferedID)
			haveBuffered = false
		case proto.SendFull:
			p.submissionLog = append(p.submissionLog, bufferedID)
			return
		case proto.SendRjct:
			logger.Warn().Str("tm", name).Int64("task_id", bufferedID).Msg("TM rejected task after promising room")
			return
		default:
			logger.Error().Str("tm", name).Int64("resp", resp).Msg("unexpected push response")
			return
		}
	}
}

// nextPayload returns the next (task_id, body) to push: a freshly generated
// task while generation is open, or a resubmission candidate once it's
// done. ok is false when there is nothing to push this turn, and done is
// then true as well: generation ended on this call, NextTask failed or
// echoed a wrong context, or nothing is left to resubmit. The caller ends
// this TM's turn either way.
func (p *Pusher) nextPayload() (id int64, body []byte, ok bool, done bool) {
	if !p.state.isGenerationDone() {
		ctx := p.nextID
		more, task, echoed, err := p.mod.NextTask(p.jm, ctx)
		if err != nil {
			log.WithComponent("pusher").Error().Err(err).Msg("NextTask failed")
			return 0, nil, false, true
		}
		if echoed != ctx {
			log.WithComponent("pusher").Error().Int64("ctx", ctx).Int64("echoed", echoed).
				Msg("NextTask echoed context mismatch, treated as ResModuleCtxer")
			return 0, nil, false, true
		}
		if !more {
			p.state.setGenerationDone()
			return 0, nil, false, true
		}
		p.nextID++
		p.state.insertPending(ctx, task)
		return ctx, task, true, false
	}

	if p.state.pendingEmpty() {
		return 0, nil, false, true
	}
	for _, id := range p.submissionLog {
		if body, stillPending := p.state.pendingBody(id); stillPending {
			return id, body, true, false
		}
	}
	// submission log exhausted but pending non-empty: every pending task
	// was generated but never logged as submitted yet (shouldn't happen in
	// practice since insertPending always precedes a first push attempt,
	// but handled defensively).
	return 0, nil, false, true
}

func endpointAddr(ep registry.Endpoint) string {
	return net.JoinHostPort(ep.Address, strconv.Itoa(ep.Port))
}

func (p *Pusher) pruneSubmissionLog() {
	kept := p.submissionLog[:0]
	for _, id := range p.submissionLog {
		if p.state.isPending(id) {
			kept = append(kept, id)
		}
	}
	p.submissionLog = kept
}
