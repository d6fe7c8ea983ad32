// Package orchestrator drives the JM's per-run-ordinal lifecycle: for each
// run the module's driving loop asks for, allocate fresh state, spawn the
// pusher and committer, commit the job, and hand the result back.
package orchestrator

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/taskrun/spits/pkg/config"
	"github.com/taskrun/spits/pkg/jmscheduler"
	"github.com/taskrun/spits/pkg/log"
	"github.com/taskrun/spits/pkg/module"
	"github.com/taskrun/spits/pkg/registry"
	"github.com/taskrun/spits/pkg/wire"
	"github.com/taskrun/spits/pkg/wire/proto"
)

// CommitJobCtx is the fixed context value supplied to the module's
// CommitJob call.
const CommitJobCtx = proto.CommitJobCtx

// Orchestrator owns the module handle and drives successive runs.
type Orchestrator struct {
	cfg          *config.Config
	mod          module.Module
	registryRoot string
	runOrdinal   int64
}

// New builds an Orchestrator for mod, rooted at registryRoot for registry
// lookups.
func New(cfg *config.Config, mod module.Module, registryRoot string) *Orchestrator {
	return &Orchestrator{cfg: cfg, mod: mod, registryRoot: registryRoot}
}

// RunCallback executes one run ordinal: allocate fresh pending/completed
// state, build JM and committer module state, spawn the pusher and committer
// concurrently, commit the job, finalize, and return the module's reported
// status and result bytes.
func (o *Orchestrator) RunCallback(ctx context.Context, argv []string, jobInfo []byte) (status int, result []byte, err error) {
	runID := o.runOrdinal
	o.runOrdinal++

	logger := log.WithRun(runID)
	logger.Info().Msg("run starting")

	state := jmscheduler.NewState()

	jmState, err := o.mod.JobManagerNew(argv, jobInfo)
	if err != nil {
		return 0, nil, err
	}
	defer o.mod.FinalizeJM(jmState)

	coState, err := o.mod.CommitterNew(argv, jobInfo)
	if err != nil {
		return 0, nil, err
	}
	defer o.mod.FinalizeCommitter(coState)

	pusher := jmscheduler.NewPusher(o.cfg, state, o.mod, jmState, runID, o.registryRoot)
	committer := jmscheduler.NewCommitter(o.cfg, state, o.mod, coState, runID, o.registryRoot)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pusher.Run(gctx) })
	g.Go(func() error { return committer.Run(gctx) })
	if err := g.Wait(); err != nil {
		return 0, nil, err
	}

	commitStatus, commitResult, echoedCtx, err := o.mod.CommitJob(coState, CommitJobCtx)
	if err != nil {
		return 0, nil, err
	}
	if echoedCtx != CommitJobCtx {
		logger.Error().Int64("echoed", echoedCtx).Msg("CommitJob echoed context mismatch")
		return int(proto.ResModuleCtxer), nil, nil
	}

	logger.Info().Int("completed", state.CompletedCount()).Msg("run committed")
	return commitStatus, commitResult, nil
}

// KillTMs walks the registry one last time and sends Terminate to every
// registered TM. Called only when cfg.KillTMs is set, after the module's
// driving loop has finished issuing runs.
func (o *Orchestrator) KillTMs(ctx context.Context) {
	logger := log.WithComponent("orchestrator")
	reg, _, err := registry.Load(o.registryRoot)
	if err != nil {
		logger.Warn().Err(err).Msg("registry load failed during kill-tms")
		return
	}

	for name, ep := range reg {
		select {
		case <-ctx.Done():
			return
		default:
		}
		o.terminate(logger, name, ep)
	}
}

func (o *Orchestrator) terminate(logger zerolog.Logger, name string, ep registry.Endpoint) {
	deadline := time.Now().Add(o.cfg.ConnTimeout)
	addr := net.JoinHostPort(ep.Address, strconv.Itoa(ep.Port))
	e, err := wire.Dial("tcp", addr, deadline)
	if err != nil {
		logger.Debug().Str("tm", name).Err(err).Msg("terminate connect failed")
		return
	}
	defer e.Close()

	if err := e.WriteString(o.cfg.JobID, deadline); err != nil {
		logger.Debug().Str("tm", name).Err(err).Msg("terminate handshake write failed")
		return
	}
	peerJobID, err := e.ReadString(deadline)
	if err != nil {
		logger.Debug().Str("tm", name).Err(err).Msg("terminate handshake read failed")
		return
	}
	if peerJobID != o.cfg.JobID {
		logger.Warn().Str("tm", name).Msg("terminate handshake jobid mismatch")
		return
	}
	if err := e.WriteInt64(proto.Terminate, deadline); err != nil {
		logger.Debug().Str("tm", name).Err(err).Msg("terminate verb write failed")
	}
	logger.Info().Str("tm", name).Msg("sent terminate")
}
