// Package client multiplexes controller messages onto sessions.
//
// One Client owns the controller connection and a map of live sessions. A
// session is created by the first message for its id and dropped the moment
// its last in-flight task completes; a later message for the same id starts
// a fresh one.
package client

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Pandinosaurus/deepforge/internal/common/logger"
	"github.com/Pandinosaurus/deepforge/internal/storage"
	"github.com/Pandinosaurus/deepforge/internal/worker/process"
	"github.com/Pandinosaurus/deepforge/internal/worker/session"
	"github.com/Pandinosaurus/deepforge/internal/worker/task"
	"github.com/Pandinosaurus/deepforge/internal/worker/wsclient"
	"github.com/Pandinosaurus/deepforge/pkg/protocol"
)

// Conn is the controller connection.
type Conn interface {
	ReadMessage() (*protocol.Message, error)
	Send(msg *protocol.Message) error
	Close() error
}

// Options configure a Client.
type Options struct {
	WorkerID    string
	Root        string
	GracePeriod time.Duration
	Resolver    storage.Resolver
}

// SessionStatus is a point-in-time view of one session.
type SessionStatus struct {
	SessionID string         `json:"session_id"`
	InFlight  int            `json:"in_flight"`
	Processes []process.Info `json:"processes"`
}

// Client dispatches messages read from a Conn.
type Client struct {
	conn   Conn
	opts   Options
	env    *process.Environment
	runner *task.Runner
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*session.Session
	pending  sync.WaitGroup
	closing  bool
}

// New creates a client reading from conn.
func New(conn Conn, opts Options, log *logger.Logger) *Client {
	log = log.WithComponent("worker-client")
	return &Client{
		conn:     conn,
		opts:     opts,
		env:      process.NewEnvironment(),
		runner:   task.NewRunner(log),
		logger:   log,
		sessions: make(map[string]*session.Session),
	}
}

// Run reads and dispatches messages until the connection fails or ctx is
// cancelled. Cancellation closes the connection and returns nil.
func (c *Client) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
		case <-stop:
		}
	}()

	// tasks outlive the read loop; only KILL cancels work
	taskCtx := context.WithoutCancel(ctx)

	c.logger.Info("worker ready", zap.String("worker_id", c.opts.WorkerID))
	for {
		msg, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, wsclient.ErrClosed) {
				c.logger.Info("controller connection ended")
				return nil
			}
			return err
		}
		c.Handle(taskCtx, msg)
	}
}

// Handle dispatches one message. It never blocks on the task itself.
func (c *Client) Handle(ctx context.Context, msg *protocol.Message) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		c.logger.Warn("dropping message received during shutdown",
			zap.String("session_id", msg.SessionID),
			zap.String("kind", string(msg.Type)),
		)
		return
	}
	s, ok := c.sessions[msg.SessionID]
	if !ok {
		s = session.New(msg.SessionID, session.Deps{
			Root:        c.opts.Root,
			Env:         c.env,
			Resolver:    c.opts.Resolver,
			Runner:      c.runner,
			Sender:      c.conn,
			GracePeriod: c.opts.GracePeriod,
			Logger:      c.logger,
		})
		c.sessions[msg.SessionID] = s
		c.logger.Debug("session created", zap.String("session_id", msg.SessionID))
	}
	s.Begin()
	c.pending.Add(1)
	c.mu.Unlock()

	completion := task.NewCompletion(func(exitCode int, result interface{}) {
		c.complete(s, exitCode, result)
	})
	s.Dispatch(ctx, msg, completion)
}

// complete reports a task's outcome and retires the session once idle.
func (c *Client) complete(s *session.Session, exitCode int, result interface{}) {
	defer c.pending.Done()

	msg, err := protocol.NewComplete(s.ID(), exitCode, result)
	if err != nil {
		c.logger.Error("failed to encode completion result",
			zap.String("session_id", s.ID()),
			zap.Error(err),
		)
		msg, _ = protocol.NewComplete(s.ID(), protocol.ExitFailure, nil)
	}
	if err := c.conn.Send(msg); err != nil {
		c.logger.Warn("dropping undeliverable completion",
			zap.String("session_id", s.ID()),
			zap.Int("exit_code", exitCode),
			zap.Error(err),
		)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s.End() == 0 && c.sessions[s.ID()] == s {
		delete(c.sessions, s.ID())
		c.logger.Debug("session closed", zap.String("session_id", s.ID()))
	}
}

// Sessions returns the live sessions ordered by id.
func (c *Client) Sessions() []SessionStatus {
	c.mu.Lock()
	out := make([]SessionStatus, 0, len(c.sessions))
	live := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, SessionStatus{SessionID: s.ID(), InFlight: s.InFlight()})
		live = append(live, s)
	}
	c.mu.Unlock()

	for i, s := range live {
		out[i].Processes = s.Processes()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Shutdown stops accepting messages, terminates every live process, waits
// until every accepted message has completed (or ctx is done) and closes the
// connection, which ends Run.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	live := make([]*session.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		live = append(live, s)
	}
	c.mu.Unlock()

	c.logger.Info("shutting down", zap.Int("sessions", len(live)))
	for _, s := range live {
		s.Stop()
	}

	done := make(chan struct{})
	go func() {
		c.pending.Wait()
		c.runner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		_ = c.conn.Close()
		return ctx.Err()
	}
	return c.conn.Close()
}
