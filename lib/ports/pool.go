// Package ports hands out VNC display ports from a fixed range.
package ports

import (
	"fmt"
	"math/bits"
	"sync"
)

// Pool is a bitmap over [min, max]. A set bit means the port is reserved.
type Pool struct {
	mu    sync.Mutex
	min   int
	size  int
	words []uint64
	inUse int
}

// NewPool creates a pool covering min through max inclusive.
func NewPool(min, max int) (*Pool, error) {
	if min <= 0 || max > 65535 || max < min {
		return nil, fmt.Errorf("%w: %d-%d", ErrInvalidRange, min, max)
	}
	size := max - min + 1
	return &Pool{
		min:   min,
		size:  size,
		words: make([]uint64, (size+63)/64),
	}, nil
}

// Acquire reserves and returns the lowest free port.
func (p *Pool) Acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for w, word := range p.words {
		if word == ^uint64(0) {
			continue
		}
		idx := w*64 + bits.TrailingZeros64(^word)
		if idx >= p.size {
			break
		}
		p.words[w] |= 1 << uint(idx%64)
		p.inUse++
		return p.min + idx, nil
	}
	return 0, fmt.Errorf("%w: all %d ports reserved", ErrExhausted, p.size)
}

// Reserve marks a specific port as reserved.
func (p *Pool) Reserve(port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.index(port)
	if !ok {
		return fmt.Errorf("%w: %d", ErrOutOfRange, port)
	}
	if p.isSet(idx) {
		return fmt.Errorf("%w: %d", ErrInUse, port)
	}
	p.words[idx/64] |= 1 << uint(idx%64)
	p.inUse++
	return nil
}

// Release returns a port to the free set. Releasing a free or foreign port is a no-op.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.index(port)
	if !ok || !p.isSet(idx) {
		return
	}
	p.words[idx/64] &^= 1 << uint(idx%64)
	p.inUse--
}

// Contains reports whether port lies inside the pool range.
func (p *Pool) Contains(port int) bool {
	_, ok := p.index(port)
	return ok
}

// IsReserved reports whether port is currently reserved.
func (p *Pool) IsReserved(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.index(port)
	return ok && p.isSet(idx)
}

// InUse returns the number of reserved ports.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Size returns the total number of ports in the pool.
func (p *Pool) Size() int { return p.size }

// Min returns the first port of the range.
func (p *Pool) Min() int { return p.min }

// Max returns the last port of the range.
func (p *Pool) Max() int { return p.min + p.size - 1 }

func (p *Pool) index(port int) (int, bool) {
	idx := port - p.min
	if idx < 0 || idx >= p.size {
		return 0, false
	}
	return idx, true
}

func (p *Pool) isSet(idx int) bool {
	return p.words[idx/64]&(1<<uint(idx%64)) != 0
}
