package schedule

import (
	"sync"

	"pagewatch/pkg/notifier"
)

const sharedKey = "*"

// Gate is a single-flight guard keyed by source type. In shared mode every
// source maps onto one key, so at most one check runs at a time overall.
type Gate struct {
	running map[string]Run
	mu      sync.Mutex
	shared  bool
}

// NewGate creates an idle gate.
func NewGate(shared bool) *Gate {
	return &Gate{
		running: make(map[string]Run),
		shared:  shared,
	}
}

func (g *Gate) key(src notifier.SourceType) string {
	if g.shared {
		return sharedKey
	}
	return string(src)
}

// TryAcquire moves run's key from Idle to Running. It reports false, along
// with the run holding the key, when the key is already Running.
func (g *Gate) TryAcquire(run Run) (release func(), holder Run, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	k := g.key(run.Source)
	if cur, busy := g.running[k]; busy {
		return nil, cur, false
	}
	g.running[k] = run

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.running, k)
			g.mu.Unlock()
		})
	}, run, true
}

// Running returns the run currently holding src's key.
func (g *Gate) Running(src notifier.SourceType) (Run, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	run, ok := g.running[g.key(src)]
	return run, ok
}
