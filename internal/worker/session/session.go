// Package session implements the per-session half of the worker: in-flight
// accounting and the handlers for every inbound message kind.
package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Pandinosaurus/deepforge/internal/common/logger"
	"github.com/Pandinosaurus/deepforge/internal/storage"
	"github.com/Pandinosaurus/deepforge/internal/tracing"
	"github.com/Pandinosaurus/deepforge/internal/worker/process"
	"github.com/Pandinosaurus/deepforge/internal/worker/task"
	"github.com/Pandinosaurus/deepforge/pkg/protocol"
)

// Sender delivers outbound messages to the controller.
type Sender interface {
	Send(msg *protocol.Message) error
}

// Deps are the collaborators shared by every session of a client.
type Deps struct {
	Root        string
	Env         *process.Environment
	Resolver    storage.Resolver
	Runner      *task.Runner
	Sender      Sender
	GracePeriod time.Duration
	Logger      *logger.Logger
}

// Session handles the messages of one session id.
//
// The in-flight counter is not synchronised by the session itself: Begin and
// End must be called with the owner's lock held, which is what keeps the
// owner's session map and the counters consistent.
type Session struct {
	id         string
	deps       Deps
	logger     *logger.Logger
	supervisor *process.Supervisor

	inFlight int
}

// New creates an idle session.
func New(id string, deps Deps) *Session {
	log := deps.Logger.WithSessionID(id)
	return &Session{
		id:         id,
		deps:       deps,
		logger:     log,
		supervisor: process.NewSupervisor(deps.Root, deps.Env, deps.GracePeriod, log),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Begin records an accepted message and returns the new count.
func (s *Session) Begin() int {
	s.inFlight++
	return s.inFlight
}

// End records a completion and returns the new count.
func (s *Session) End() int {
	s.inFlight--
	return s.inFlight
}

// InFlight returns the number of accepted messages not yet completed.
func (s *Session) InFlight() int { return s.inFlight }

// Processes lists the session's live processes.
func (s *Session) Processes() []process.Info {
	return s.supervisor.List()
}

// Stop terminates every live process of the session.
func (s *Session) Stop() {
	s.supervisor.StopAll()
}

// Dispatch starts handling msg and returns without waiting for it to finish.
// c is completed exactly once, possibly before Dispatch returns.
func (s *Session) Dispatch(ctx context.Context, msg *protocol.Message, c *task.Completion) {
	s.logger.Debug("dispatching message", zap.String("kind", string(msg.Type)))

	switch msg.Type {
	case protocol.KindRun:
		s.run(ctx, msg, c)
	case protocol.KindKill:
		s.kill(c)
	case protocol.KindAddFile:
		s.deps.Runner.Run(ctx, s.id, msg.Type, s.addFile(msg), c)
	case protocol.KindRemoveFile:
		s.deps.Runner.Run(ctx, s.id, msg.Type, s.removeFile(msg), c)
	case protocol.KindSetEnv:
		s.deps.Runner.Run(ctx, s.id, msg.Type, s.setEnv(msg), c)
	case protocol.KindAddArtifact:
		s.deps.Runner.Run(ctx, s.id, msg.Type, s.addArtifact(msg), c)
	case protocol.KindSaveArtifact:
		s.deps.Runner.Run(ctx, s.id, msg.Type, s.saveArtifact(msg), c)
	default:
		s.logger.Warn("unknown message kind", zap.String("kind", string(msg.Type)))
		c.Complete(protocol.ExitUnknownCommand, nil)
	}
}

func (s *Session) run(ctx context.Context, msg *protocol.Message, c *task.Completion) {
	var command string
	if err := msg.StringArgs(&command); err != nil {
		s.logger.Error("invalid RUN message", zap.Error(err))
		c.Complete(protocol.ExitFailure, nil)
		return
	}

	_, span := tracing.TraceTask(ctx, s.id, string(protocol.KindRun))
	id, err := s.supervisor.Start(process.StartRequest{
		Command: command,
		OnOutput: func(stream process.Stream, chunk []byte) {
			kind := protocol.KindStdout
			if stream == process.StreamStderr {
				kind = protocol.KindStderr
			}
			s.send(protocol.NewOutput(s.id, kind, chunk))
		},
		OnExit: func(exitCode int) {
			tracing.TraceTaskResult(span, exitCode, nil)
			span.End()
			c.Complete(exitCode, nil)
		},
	})
	if err != nil {
		s.logger.Error("failed to start process", zap.String("command", command), zap.Error(err))
		tracing.TraceTaskResult(span, protocol.ExitFailure, err)
		span.End()
		c.Complete(protocol.ExitFailure, nil)
		return
	}
	s.logger.Info("process started", zap.String("process_id", id), zap.String("command", command))
}

// kill never waits for the process; its exit is reported by the RUN.
func (s *Session) kill(c *task.Completion) {
	if id, ok := s.supervisor.KillLatest(); ok {
		s.logger.Info("kill requested", zap.String("process_id", id))
	} else {
		s.logger.Debug("kill requested with no running process")
	}
	c.Complete(protocol.ExitOK, nil)
}

func (s *Session) send(msg *protocol.Message) {
	if err := s.deps.Sender.Send(msg); err != nil {
		s.logger.WithError(err).Warn("failed to send message", zap.String("kind", string(msg.Type)))
	}
}
