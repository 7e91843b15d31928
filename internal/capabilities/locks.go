package capabilities

import (
	"path/filepath"
	"sync"
)

// PathLocks serialises filesystem mutations per path. Capabilities may be
// invoked from several goroutines (engine, watcher, verifier) at once.
type PathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPathLocks creates an empty lock table.
func NewPathLocks() *PathLocks {
	return &PathLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for path, creating it on first use.
func (p *PathLocks) Lock(path string) {
	path = filepath.Clean(path)
	p.mu.Lock()
	l, ok := p.locks[path]
	if !ok {
		l = &sync.Mutex{}
		p.locks[path] = l
	}
	p.mu.Unlock()

	l.Lock()
}

// Unlock releases the mutex for path.
func (p *PathLocks) Unlock(path string) {
	path = filepath.Clean(path)
	p.mu.Lock()
	l, ok := p.locks[path]
	p.mu.Unlock()

	if ok {
		l.Unlock()
	}
}
