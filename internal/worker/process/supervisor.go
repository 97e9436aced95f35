// Package process runs the subprocesses requested by the controller.
//
// A Supervisor belongs to one session. Every RUN gets its own handle, so any
// number of processes may run side by side within a session; KILL addresses
// the newest one that is still alive.
//
// Lifecycle of a handle:
//  1. Start() spawns the process in its own process group and returns
//  2. stdout/stderr chunks are forwarded as the process writes them
//  3. when the process exits the handle leaves the arena and the exit
//     callback receives the exit code; output still buffered in the pipes
//     is drained for at most outputDrainDelay first
//
// Termination sends SIGTERM to the process group and escalates to SIGKILL
// when the process outlives the grace period.
package process

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Pandinosaurus/deepforge/internal/common/logger"
)

// Stream names an output stream of a process.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// outputDrainDelay bounds how long exit reporting waits for the output pipes
// after the process itself is gone. Background children that inherited the
// pipes would otherwise hold the completion back.
const outputDrainDelay = 250 * time.Millisecond

// ErrEmptyCommand is returned when a command has no executable token.
var ErrEmptyCommand = errors.New("command is empty")

// StartRequest describes one process to spawn.
type StartRequest struct {
	// Command is tokenized with Tokenize; the first token is the executable.
	Command string
	// OnOutput receives every chunk written to stdout or stderr. Chunks of
	// the same stream arrive in order and never split a UTF-8 character.
	// May be called from two goroutines at once.
	OnOutput func(stream Stream, chunk []byte)
	// OnExit is called exactly once, after the process exits and the last
	// output chunk has been delivered.
	OnExit func(exitCode int)
}

// Info describes a live process.
type Info struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

type handle struct {
	info     Info
	cmd      *exec.Cmd
	done     chan struct{}
	killOnce sync.Once
}

// Supervisor tracks the processes spawned for one session.
type Supervisor struct {
	logger      *logger.Logger
	workDir     string
	env         *Environment
	gracePeriod time.Duration

	mu    sync.Mutex
	procs []*handle // spawn order, newest last
}

// NewSupervisor creates a supervisor that starts processes in workDir with
// the variables of env.
func NewSupervisor(workDir string, env *Environment, gracePeriod time.Duration, log *logger.Logger) *Supervisor {
	if env == nil {
		env = NewEnvironment()
	}
	return &Supervisor{
		logger:      log.WithComponent("process-supervisor"),
		workDir:     workDir,
		env:         env,
		gracePeriod: gracePeriod,
	}
}

// Start spawns a process and returns its handle id without waiting for it.
// On error nothing was spawned and OnExit will not be called.
func (s *Supervisor) Start(req StartRequest) (string, error) {
	argv := Tokenize(req.Command)
	if argv[0] == "" {
		return "", ErrEmptyCommand
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.workDir
	cmd.Env = s.env.Environ()
	cmd.WaitDelay = outputDrainDelay
	setProcGroup(cmd)

	stdout := newOutputWriter(StreamStdout, req.OnOutput)
	stderr := newOutputWriter(StreamStderr, req.OnOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start process: %w", err)
	}

	h := &handle{
		info: Info{
			ID:        uuid.New().String(),
			Command:   req.Command,
			PID:       cmd.Process.Pid,
			StartedAt: time.Now().UTC(),
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}

	s.mu.Lock()
	s.procs = append(s.procs, h)
	s.mu.Unlock()

	s.logger.Debug("process started",
		zap.String("process_id", h.info.ID),
		zap.Int("pid", h.info.PID),
		zap.Strings("argv", argv),
	)

	go s.wait(h, req.OnExit, stdout, stderr)

	return h.info.ID, nil
}

// KillLatest terminates the most recently started process that is still
// running. It reports false when there is none.
func (s *Supervisor) KillLatest() (string, bool) {
	s.mu.Lock()
	var h *handle
	if n := len(s.procs); n > 0 {
		h = s.procs[n-1]
	}
	s.mu.Unlock()

	if h == nil {
		return "", false
	}
	s.terminate(h)
	return h.info.ID, true
}

// StopAll terminates every live process and waits until they have exited or
// the grace period has passed twice.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	procs := append([]*handle(nil), s.procs...)
	s.mu.Unlock()

	deadline := time.After(2*s.gracePeriod + time.Second)
	for _, h := range procs {
		s.terminate(h)
	}
	for _, h := range procs {
		select {
		case <-h.done:
		case <-deadline:
			return
		}
	}
}

// List returns the live processes in spawn order.
func (s *Supervisor) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.procs))
	for _, h := range s.procs {
		out = append(out, h.info)
	}
	return out
}

func (s *Supervisor) remove(h *handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.procs {
		if p == h {
			s.procs = append(s.procs[:i], s.procs[i+1:]...)
			return
		}
	}
}

// terminate sends SIGTERM to the process group and schedules SIGKILL. It does
// not wait for the process to exit.
func (s *Supervisor) terminate(h *handle) {
	h.killOnce.Do(func() {
		pid := h.info.PID
		if err := terminateProcessGroup(h.cmd.Process); err != nil {
			s.logger.Debug("failed to signal process", zap.Int("pid", pid), zap.Error(err))
		}
		s.logger.Debug("process termination requested",
			zap.String("process_id", h.info.ID),
			zap.Int("pid", pid),
		)

		go func() {
			select {
			case <-h.done:
			case <-time.After(s.gracePeriod):
				s.logger.Warn("process ignored SIGTERM, killing", zap.Int("pid", pid))
				if err := killProcessGroup(h.cmd.Process); err != nil {
					s.logger.Debug("failed to kill process", zap.Int("pid", pid), zap.Error(err))
				}
			}
		}()
	})
}

// wait reaps the process and reports its exit code. exec.Cmd stops copying
// output outputDrainDelay after the process is gone; a clean exit whose pipes
// had to be cut short still counts as success.
func (s *Supervisor) wait(h *handle, onExit func(int), outputs ...*outputWriter) {
	err := h.cmd.Wait()
	if errors.Is(err, exec.ErrWaitDelay) {
		s.logger.Debug("output pipes still held open after exit",
			zap.String("process_id", h.info.ID),
			zap.Int("pid", h.info.PID),
		)
		err = nil
	}
	exitCode := exitCodeOf(err)
	for _, w := range outputs {
		w.flush()
	}

	s.remove(h)
	close(h.done)

	s.logger.Debug("process exited",
		zap.String("process_id", h.info.ID),
		zap.Int("pid", h.info.PID),
		zap.Int("exit_code", exitCode),
	)

	if onExit != nil {
		onExit(exitCode)
	}
}
