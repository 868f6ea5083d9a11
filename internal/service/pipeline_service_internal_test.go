package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type blockingRunner struct {
	release chan struct{}
	passes  atomic.Int32
}

func (b *blockingRunner) Run(context.Context) error { return nil }

func (b *blockingRunner) Pass(context.Context) (int, error) {
	b.passes.Add(1)
	<-b.release
	return 0, nil
}

func TestPass_SkipsWhileRunning(t *testing.T) {
	r := &blockingRunner{release: make(chan struct{})}
	svc := NewPipelineService(r, Options{Emitter: &MockEmitter{}})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- svc.pass(ctx) }()
	require.Eventually(t, func() bool { return r.passes.Load() == 1 }, time.Second, 5*time.Millisecond)

	// overlapping tick is dropped
	require.NoError(t, svc.pass(ctx))
	assert.EqualValues(t, 1, r.passes.Load())

	close(r.release)
	require.NoError(t, <-done)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	svc.WaitRunning(waitCtx)
	assert.NoError(t, waitCtx.Err())
}
