package miner

import (
	"sync"
	"sync/atomic"
)

// Shutdown is a one-way flag shared by every engine goroutine
type Shutdown struct {
	flag atomic.Bool
	once sync.Once
	done chan struct{}
}

// NewShutdown returns an unsignaled flag
func NewShutdown() *Shutdown {
	return &Shutdown{done: make(chan struct{})}
}

// Signal sets the flag. Calling it more than once has no further effect.
func (s *Shutdown) Signal() {
	s.once.Do(func() {
		s.flag.Store(true)
		close(s.done)
	})
}

// Signaled reports whether Signal has been called
func (s *Shutdown) Signaled() bool {
	return s.flag.Load()
}

// Done is closed when Signal is called
func (s *Shutdown) Done() <-chan struct{} {
	return s.done
}
