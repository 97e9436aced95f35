package task

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Pandinosaurus/deepforge/internal/common/logger"
	"github.com/Pandinosaurus/deepforge/pkg/protocol"
)

type report struct {
	code   int
	result interface{}
}

type collector struct {
	mu      sync.Mutex
	reports []report
}

func (c *collector) completion() *Completion {
	return NewCompletion(func(code int, result interface{}) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.reports = append(c.reports, report{code: code, result: result})
	})
}

func (c *collector) all() []report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]report(nil), c.reports...)
}

func newRunner() *Runner {
	return NewRunner(logger.Nop())
}

func TestRunnerReportsSuccessWithResult(t *testing.T) {
	r := newRunner()
	var c collector

	r.Run(context.Background(), "s", protocol.KindSaveArtifact, func(ctx context.Context) (interface{}, error) {
		return map[string]string{"backend": "fs"}, nil
	}, c.completion())
	r.Wait()

	reports := c.all()
	require.Len(t, reports, 1)
	assert.Equal(t, 0, reports[0].code)
	assert.Equal(t, map[string]string{"backend": "fs"}, reports[0].result)
}

func TestRunnerReportsSuccessWithoutResult(t *testing.T) {
	r := newRunner()
	var c collector

	r.Run(context.Background(), "s", protocol.KindSetEnv, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, c.completion())
	r.Wait()

	reports := c.all()
	require.Len(t, reports, 1)
	assert.Equal(t, 0, reports[0].code)
	assert.Nil(t, reports[0].result)
}

func TestRunnerSwallowsErrors(t *testing.T) {
	r := newRunner()
	var c collector

	r.Run(context.Background(), "s", protocol.KindRemoveFile, func(ctx context.Context) (interface{}, error) {
		return "ignored", errors.New("no such file")
	}, c.completion())
	r.Wait()

	reports := c.all()
	require.Len(t, reports, 1)
	assert.Equal(t, 1, reports[0].code)
	assert.Nil(t, reports[0].result, "failures never carry a result")
}

func TestRunnerRecoversPanics(t *testing.T) {
	r := newRunner()
	var c collector

	r.Run(context.Background(), "s", protocol.KindAddFile, func(ctx context.Context) (interface{}, error) {
		panic("boom")
	}, c.completion())
	r.Wait()

	reports := c.all()
	require.Len(t, reports, 1)
	assert.Equal(t, 1, reports[0].code)
}

func TestRunnerDoesNotBlockCaller(t *testing.T) {
	r := newRunner()
	var c collector
	release := make(chan struct{})

	start := time.Now()
	r.Run(context.Background(), "s", protocol.KindAddArtifact, func(ctx context.Context) (interface{}, error) {
		<-release
		return nil, nil
	}, c.completion())
	assert.Less(t, time.Since(start), time.Second)
	assert.Empty(t, c.all())

	close(release)
	r.Wait()
	assert.Len(t, c.all(), 1)
}

func TestCompletionFiresOnce(t *testing.T) {
	var c collector
	comp := c.completion()

	var wg sync.WaitGroup
	fired := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(code int) {
			defer wg.Done()
			fired <- comp.Complete(code, nil)
		}(i)
	}
	wg.Wait()
	close(fired)

	count := 0
	for f := range fired {
		if f {
			count++
		}
	}
	assert.Equal(t, 1, count)
	assert.Len(t, c.all(), 1)
}
