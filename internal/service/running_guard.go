package service

import (
	"context"
	"sync"
)

// ExportedPassGuard is an exported alias so _test packages can test the guard.
type ExportedPassGuard = passGuard

// passGuard makes sure only one pass per key runs at a time. Schedule ticks
// that find a pass still running are dropped.
type passGuard struct {
	mu      sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup
}

// TryLock marks key as running. It returns false when key already runs.
func (g *passGuard) TryLock(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running == nil {
		g.running = make(map[string]struct{})
	}
	if _, ok := g.running[key]; ok {
		return false
	}
	g.running[key] = struct{}{}
	g.wg.Add(1)
	return true
}

// Unlock releases key. Must follow a successful TryLock.
func (g *passGuard) Unlock(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.running, key)
	g.wg.Done()
}

// WaitAll blocks until every running pass completes or ctx is cancelled.
func (g *passGuard) WaitAll(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
