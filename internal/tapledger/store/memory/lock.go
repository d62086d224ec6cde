package memory

import (
	"context"
	"sync"
)

// CycleLock is an in-process CycleLock.
type CycleLock struct {
	mu     sync.Mutex
	holder string
}

func NewCycleLock() *CycleLock { return &CycleLock{} }

func (l *CycleLock) TryAcquire(_ context.Context, holder string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != "" {
		return nil, false, nil
	}
	l.holder = holder

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			l.holder = ""
			l.mu.Unlock()
		})
	}, true, nil
}

// Holder returns the current holder, or "" when free.
func (l *CycleLock) Holder() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder
}
