// Package heartbeat implements the JM's independent registry-sweep loop,
// which keeps every registered TM's idle timer from firing while a job is
// in progress even between runs.
package heartbeat

import (
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskrun/spits/pkg/config"
	"github.com/taskrun/spits/pkg/log"
	"github.com/taskrun/spits/pkg/registry"
	"github.com/taskrun/spits/pkg/wire"
	"github.com/taskrun/spits/pkg/wire/proto"
)

// Loop walks the registry and pings every TM on a fixed cadence, starting
// at process startup and ending when Finished is set (cmd/jm sets it once
// the run has returned).
type Loop struct {
	cfg      *config.Config
	root     string
	Finished atomic.Bool
}

// New builds a heartbeat Loop rooted at root (the registry directory).
func New(cfg *config.Config, root string) *Loop {
	return &Loop{cfg: cfg, root: root}
}

// Run sweeps the registry repeatedly until Finished is set.
func (l *Loop) Run() {
	logger := log.WithComponent("heartbeat")

	for !l.Finished.Load() {
		cycleStart := time.Now()

		reg, _, err := registry.Load(l.root)
		if err != nil {
			logger.Warn().Err(err).Msg("registry load failed")
		}
		for name, ep := range reg {
			l.ping(logger.With().Str("tm", name).Logger(), ep)
		}

		elapsed := time.Since(cycleStart)
		if remaining := l.cfg.HeartbeatInterval - elapsed; remaining > 0 {
			time.Sleep(remaining)
		}
	}
}

func (l *Loop) ping(logger zerolog.Logger, ep registry.Endpoint) {
	deadline := time.Now().Add(l.cfg.ConnTimeout)
	addr := net.JoinHostPort(ep.Address, strconv.Itoa(ep.Port))
	e, err := wire.Dial("tcp", addr, deadline)
	if err != nil {
		logger.Debug().Err(err).Msg("heartbeat connect failed")
		return
	}
	defer e.Close()

	if err := e.WriteString(l.cfg.JobID, deadline); err != nil {
		logger.Debug().Err(err).Msg("heartbeat handshake write failed")
		return
	}
	peerJobID, err := e.ReadString(deadline)
	if err != nil {
		logger.Debug().Err(err).Msg("heartbeat handshake read failed")
		return
	}
	if peerJobID != l.cfg.JobID {
		logger.Warn().Msg("heartbeat handshake jobid mismatch")
		return
	}
	if err := e.WriteInt64(proto.SendHeart, deadline); err != nil {
		logger.Debug().Err(err).Msg("heartbeat verb write failed")
	}
}
