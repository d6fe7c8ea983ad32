// Package tmserver implements the TM's listener and per-connection verb
// dispatch: heartbeat, push-tasks, pull-results, terminate.
package tmserver

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/taskrun/spits/pkg/config"
	"github.com/taskrun/spits/pkg/log"
	"github.com/taskrun/spits/pkg/taskpool"
	"github.com/taskrun/spits/pkg/wire"
	"github.com/taskrun/spits/pkg/wire/proto"
)

// Server owns the listener and the shared task pool every connection
// handler dispatches against.
type Server struct {
	cfg  *config.Config
	pool *taskpool.Pool

	lastActivity atomic.Int64 // unix nanos, updated on every handled verb
}

// New builds a Server bound to cfg and serving pool.
func New(cfg *config.Config, pool *taskpool.Pool) *Server {
	s := &Server{cfg: cfg, pool: pool}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// Serve listens per cfg.Mode and accepts connections until ctx is
// cancelled. It also starts the idle-timer checker goroutine, which exits
// the process when cfg.TMTimeout has elapsed with no verb handled and an
// empty, idle pool.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := s.listen()
	if err != nil {
		return fmt.Errorf("tmserver: listen: %w", err)
	}
	defer ln.Close()

	logger := log.WithComponent("tmserver")
	logger.Info().Str("addr", ln.Addr().String()).Msg("listening")

	go s.watchIdle(ctx)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				logger.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) listen() (net.Listener, error) {
	switch s.cfg.Mode {
	case "uds":
		_ = os.Remove(s.cfg.UDSPath)
		return net.Listen("unix", s.cfg.UDSPath)
	default:
		addr := fmt.Sprintf("%s:%d", s.cfg.BindAddr, s.cfg.BindPort)
		return net.Listen("tcp", addr)
	}
}

func (s *Server) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// watchIdle exits the process (os.Exit, non-zero) once TMTimeout has
// elapsed since the last handled verb and the pool is both empty and has
// nothing in flight.
func (s *Server) watchIdle(ctx context.Context) {
	logger := log.WithComponent("tmserver.idle")
	ticker := time.NewTicker(s.cfg.TMTimeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed := time.Since(time.Unix(0, s.lastActivity.Load()))
			if elapsed >= s.cfg.TMTimeout && s.pool.Empty() && s.pool.InFlight() == 0 {
				logger.Warn().Dur("idle", elapsed).Msg("idle timeout reached, exiting")
				os.Exit(1)
			}
		}
	}
}

func (s *Server) handleConn(conn net.Conn) {
	logger := log.WithComponent("tmserver.conn")
	e := wire.New(conn)
	defer e.Close()

	deadline := time.Now().Add(s.cfg.RecvTimeout)
	if err := e.WriteString(s.cfg.JobID, deadline); err != nil {
		logger.Debug().Err(err).Msg("handshake write failed")
		return
	}
	peerJobID, err := e.ReadString(deadline)
	if err != nil {
		logger.Debug().Err(err).Msg("handshake read failed")
		return
	}
	if peerJobID != s.cfg.JobID {
		logger.Warn().Str("peer_jobid", peerJobID).Msg("handshake jobid mismatch")
		return
	}

	verb, err := e.ReadInt64(deadline)
	if err != nil {
		logger.Debug().Err(err).Msg("failed to read verb")
		return
	}
	s.touch()

	switch verb {
	case proto.Terminate:
		logger.Warn().Msg("terminate verb received, exiting")
		os.Exit(0)
	case proto.SendHeart:
		// no further I/O; touch() above already reset the idle timer.
	case proto.SendTask:
		s.handlePushTasks(e)
	case proto.ReadResult:
		s.handlePullResults(e)
	default:
		logger.Warn().Int64("verb", verb).Msg("unrecognized verb")
	}
}
