package task

import "sync"

// Reporter delivers the outcome of a task to the controller.
type Reporter func(exitCode int, result interface{})

// Completion is attached to a task when it is accepted and reports its
// outcome exactly once. Later calls to Complete are ignored.
type Completion struct {
	once   sync.Once
	report Reporter
}

// NewCompletion creates a completion that forwards to report.
func NewCompletion(report Reporter) *Completion {
	return &Completion{report: report}
}

// Complete reports the outcome. It returns false if the task had already
// completed.
func (c *Completion) Complete(exitCode int, result interface{}) bool {
	fired := false
	c.once.Do(func() {
		fired = true
		if c.report != nil {
			c.report(exitCode, result)
		}
	})
	return fired
}
