package agent

import "sync"

// idLocks serializes operations per backup id. Acquisition never
// blocks: a busy id is reported to the caller instead of queueing a
// platform worker behind another operation.
type idLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newIDLocks() *idLocks {
	return &idLocks{held: make(map[string]struct{})}
}

// tryAcquire claims the slot for id, reporting false when another
// operation already holds it.
func (l *idLocks) tryAcquire(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[id]; busy {
		return false
	}
	l.held[id] = struct{}{}
	return true
}

func (l *idLocks) release(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
}
