// Package task runs the asynchronous operations triggered by controller
// messages and turns their outcome into exactly one completion report.
package task

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/Pandinosaurus/deepforge/internal/common/logger"
	"github.com/Pandinosaurus/deepforge/internal/tracing"
	"github.com/Pandinosaurus/deepforge/pkg/protocol"
)

// Operation is one unit of work. A nil result is reported as "no result".
type Operation func(ctx context.Context) (interface{}, error)

// Runner is the completion boundary for every non-process task: errors are
// logged here and reduced to exit code 1, never propagated further.
type Runner struct {
	logger *logger.Logger
	wg     sync.WaitGroup
}

// NewRunner creates a task runner.
func NewRunner(log *logger.Logger) *Runner {
	return &Runner{logger: log.WithComponent("task-runner")}
}

// Run executes op on its own goroutine and completes c with 0 and the result
// on success, or 1 and no result on failure. Panics count as failures.
func (r *Runner) Run(ctx context.Context, sessionID string, kind protocol.Kind, op Operation, c *Completion) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, span := tracing.TraceTask(ctx, sessionID, string(kind))
		defer span.End()

		result, err := r.invoke(ctx, op)
		if err != nil {
			r.logger.Error("task failed",
				zap.String("session_id", sessionID),
				zap.String("kind", string(kind)),
				zap.Error(err),
			)
			tracing.TraceTaskResult(span, protocol.ExitFailure, err)
			c.Complete(protocol.ExitFailure, nil)
			return
		}

		r.logger.Debug("task succeeded",
			zap.String("session_id", sessionID),
			zap.String("kind", string(kind)),
		)
		tracing.TraceTaskResult(span, protocol.ExitOK, nil)
		c.Complete(protocol.ExitOK, result)
	}()
}

// Wait blocks until every operation started with Run has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) invoke(ctx context.Context, op Operation) (result interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task panicked", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			result, err = nil, fmt.Errorf("task panicked: %v", p)
		}
	}()
	return op(ctx)
}
