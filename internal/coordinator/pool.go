package coordinator

import "sync"

// Pool bounds how many sub-agents execute at once
type Pool struct {
	size      int
	available int
	mu        sync.Mutex
	onChange  func(running int)
}

// NewPool creates a pool with the given number of agent slots. size <= 0
// means unbounded.
func NewPool(size int) *Pool {
	return &Pool{size: size, available: size}
}

// OnChange sets a callback invoked with the number of occupied slots after
// every acquire or release
func (p *Pool) OnChange(callback func(running int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = callback
}

// TryAcquire claims a slot, returning false when all slots are taken
func (p *Pool) TryAcquire() bool {
	p.mu.Lock()
	if p.size > 0 && p.available <= 0 {
		p.mu.Unlock()
		return false
	}
	p.available--
	callback, running := p.onChange, p.size-p.available
	p.mu.Unlock()

	if callback != nil {
		callback(running)
	}
	return true
}

// Release frees a slot
func (p *Pool) Release() {
	p.mu.Lock()
	if p.size <= 0 || p.available < p.size {
		p.available++
	}
	callback, running := p.onChange, p.size-p.available
	p.mu.Unlock()

	if callback != nil {
		callback(running)
	}
}

// Running returns the number of occupied slots
func (p *Pool) Running() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size - p.available
}

// Size returns the pool capacity, 0 when unbounded
func (p *Pool) Size() int {
	if p.size < 0 {
		return 0
	}
	return p.size
}
