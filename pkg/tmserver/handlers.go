package tmserver

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/taskrun/spits/pkg/log"
	"github.com/taskrun/spits/pkg/taskpool"
	"github.com/taskrun/spits/pkg/wire"
	"github.com/taskrun/spits/pkg/wire/proto"
)

// handlePushTasks implements the push-tasks verb loop: repeatedly offer
// room, read a task, admit it, until the pool is full or the connection
// ends.
func (s *Server) handlePushTasks(e *wire.Endpoint) {
	logger := log.WithComponent("tmserver.push")

	for {
		if s.pool.Full() {
			s.writeCode(e, proto.SendFull, logger)
			return
		}
		if err := e.WriteInt64(proto.SendMore, s.deadline()); err != nil {
			logger.Debug().Err(err).Msg("failed to offer room")
			return
		}

		taskID, runID, body, err := s.readTaskFrame(e)
		if err != nil {
			logger.Debug().Err(err).Msg("failed to read task frame")
			return
		}

		if !s.pool.Put(taskpool.Task{TaskID: taskID, RunID: runID, Body: body}) {
			logger.Warn().Int64("task_id", taskID).Msg("pool rejected task after promising room")
			s.writeCode(e, proto.SendRjct, logger)
			return
		}
		s.touch()
	}
}

func (s *Server) readTaskFrame(e *wire.Endpoint) (taskID, runID int64, body []byte, err error) {
	deadline := s.deadline()
	if taskID, err = e.ReadInt64(deadline); err != nil {
		return 0, 0, nil, err
	}
	if runID, err = e.ReadInt64(deadline); err != nil {
		return 0, 0, nil, err
	}
	if body, err = e.ReadBytes(deadline); err != nil {
		return 0, 0, nil, err
	}
	return taskID, runID, body, nil
}

// handlePullResults implements the pull-results verb loop: drain one result
// at a time, write it, and require the caller's ack to equal ReadResult;
// any other ack is a protocol error that pushes the item back.
func (s *Server) handlePullResults(e *wire.Endpoint) {
	logger := log.WithComponent("tmserver.pull")

	for {
		result, ok := s.pool.PopResult()
		if !ok {
			s.writeCode(e, proto.ReadEmpty, logger)
			return
		}

		deadline := s.deadline()
		if err := e.WriteInt64(result.TaskID, deadline); err != nil {
			logger.Debug().Err(err).Msg("failed to write task_id")
			s.pool.PushBackResult(result)
			return
		}
		if err := e.WriteInt64(result.RunID, deadline); err != nil {
			logger.Debug().Err(err).Msg("failed to write run_id")
			s.pool.PushBackResult(result)
			return
		}
		if err := e.WriteInt64(result.WorkerStatus, deadline); err != nil {
			logger.Debug().Err(err).Msg("failed to write worker_status")
			s.pool.PushBackResult(result)
			return
		}
		if err := e.WriteBytes(result.Body, deadline); err != nil {
			logger.Debug().Err(err).Msg("failed to write result body")
			s.pool.PushBackResult(result)
			return
		}

		ack, err := e.ReadInt64(deadline)
		if err != nil {
			logger.Debug().Err(err).Msg("failed to read ack")
			s.pool.PushBackResult(result)
			return
		}
		if ack != proto.ReadResult {
			logger.Warn().Int64("ack", ack).Msg("unexpected pull-results ack, protocol error")
			s.pool.PushBackResult(result)
			return
		}
		s.touch()
	}
}

func (s *Server) writeCode(e *wire.Endpoint, code int64, logger zerolog.Logger) {
	if err := e.WriteInt64(code, s.deadline()); err != nil {
		logger.Debug().Err(err).Int64("code", code).Msg("failed to write response code")
	}
}

func (s *Server) deadline() time.Time {
	return time.Now().Add(s.cfg.SendTimeout)
}
