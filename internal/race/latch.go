package race

import (
	"sync"

	"github.com/loqalabs/loqa-dictation/internal/engine"
)

// latch holds the first non-empty result offered to it. Later offers are
// ignored.
type latch struct {
	once sync.Once
	done chan struct{}
	res  engine.Result
}

func newLatch() *latch {
	return &latch{done: make(chan struct{})}
}

// offer reports whether r became the winner.
func (l *latch) offer(r engine.Result) bool {
	if r.Empty() {
		return false
	}
	won := false
	l.once.Do(func() {
		l.res = r
		won = true
		close(l.done)
	})
	return won
}

func (l *latch) resolved() <-chan struct{} { return l.done }

func (l *latch) result() (engine.Result, bool) {
	select {
	case <-l.done:
		return l.res, true
	default:
		return engine.Result{}, false
	}
}
