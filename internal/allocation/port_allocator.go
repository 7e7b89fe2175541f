// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"fmt"

	"github.com/pion/randutil"
)

// PortState is the state of one relay port.
type PortState uint8

// Port states.
const (
	PortUnallocated PortState = iota
	PortAllocated
	// PortReserved is the odd half of an even pair, held for a later
	// allocation presenting the reservation token.
	PortReserved
)

func (s PortState) String() string {
	switch s {
	case PortUnallocated:
		return "unallocated"
	case PortAllocated:
		return "allocated"
	case PortReserved:
		return "reserved"
	default:
		return fmt.Sprintf("PortState(%d)", uint8(s))
	}
}

// Default relay port range.
const (
	DefaultMinPort uint16 = 49152
	DefaultMaxPort uint16 = 65535
)

type portPool struct {
	states []PortState
	cursor int
}

// PortAllocator hands out relay ports from an inclusive range, one pool per
// transport. It is not safe for concurrent use.
type PortAllocator struct {
	min, max uint16
	pools    map[Protocol]*portPool
	rand     randutil.MathRandomGenerator
}

// NewPortAllocator returns an allocator over [minPort, maxPort]. Each pool's
// cursor starts at a random offset.
func NewPortAllocator(minPort, maxPort uint16) (*PortAllocator, error) {
	if minPort == 0 || minPort > maxPort {
		return nil, fmt.Errorf("%w: [%d, %d]", errInvalidPortRange, minPort, maxPort)
	}

	return &PortAllocator{
		min:   minPort,
		max:   maxPort,
		pools: make(map[Protocol]*portPool),
		rand:  randutil.NewMathRandomGenerator(),
	}, nil
}

// Range returns the inclusive port range.
func (p *PortAllocator) Range() (uint16, uint16) {
	return p.min, p.max
}

func (p *PortAllocator) pool(protocol Protocol) *portPool {
	pool, ok := p.pools[protocol]
	if !ok {
		size := int(p.max) - int(p.min) + 1
		pool = &portPool{
			states: make([]PortState, size),
			cursor: p.rand.Intn(size),
		}
		p.pools[protocol] = pool
	}

	return pool
}

func (p *PortAllocator) index(port uint16) (int, bool) {
	if port < p.min || port > p.max {
		return 0, false
	}

	return int(port - p.min), true
}

func (p *PortAllocator) port(i int) uint16 {
	return p.min + uint16(i) //nolint:gosec
}

// next advances the cursor until accept returns true for a free slot, or
// the range has been scanned once. Zero means exhaustion.
func (p *PortAllocator) next(protocol Protocol, accept func(pool *portPool, i int) bool) uint16 {
	pool := p.pool(protocol)
	size := len(pool.states)
	for n := 1; n <= size; n++ {
		i := (pool.cursor + n) % size
		if pool.states[i] != PortUnallocated || !accept(pool, i) {
			continue
		}
		pool.states[i] = PortAllocated
		pool.cursor = i

		return p.port(i)
	}

	return 0
}

// AllocateAny allocates the next free port.
func (p *PortAllocator) AllocateAny(protocol Protocol) uint16 {
	return p.next(protocol, func(*portPool, int) bool { return true })
}

// AllocateEven allocates the next free even port.
func (p *PortAllocator) AllocateEven(protocol Protocol) uint16 {
	return p.next(protocol, func(_ *portPool, i int) bool { return p.port(i)%2 == 0 })
}

// AllocateOdd allocates the next free odd port.
func (p *PortAllocator) AllocateOdd(protocol Protocol) uint16 {
	return p.next(protocol, func(_ *portPool, i int) bool { return p.port(i)%2 == 1 })
}

// AllocateEvenPair allocates the next free even port whose odd neighbour is
// also free, and marks the neighbour reserved.
func (p *PortAllocator) AllocateEvenPair(protocol Protocol) uint16 {
	return p.next(protocol, func(pool *portPool, i int) bool {
		if p.port(i)%2 != 0 || i+1 >= len(pool.states) || pool.states[i+1] != PortUnallocated {
			return false
		}
		pool.states[i+1] = PortReserved

		return true
	})
}

// AllocateSpecific claims port. A reserved port can be claimed; an allocated
// one cannot.
func (p *PortAllocator) AllocateSpecific(protocol Protocol, port uint16) bool {
	i, ok := p.index(port)
	if !ok {
		return false
	}
	pool := p.pool(protocol)
	if pool.states[i] == PortAllocated {
		return false
	}
	pool.states[i] = PortAllocated

	return true
}

// Deallocate frees port. Freeing an even port also frees its reserved odd
// neighbour.
func (p *PortAllocator) Deallocate(protocol Protocol, port uint16) {
	i, ok := p.index(port)
	if !ok {
		return
	}
	pool := p.pool(protocol)
	pool.states[i] = PortUnallocated
	if port%2 == 0 && i+1 < len(pool.states) && pool.states[i+1] == PortReserved {
		pool.states[i+1] = PortUnallocated
	}
}

// State returns the state of port; ports outside the range report
// PortUnallocated.
func (p *PortAllocator) State(protocol Protocol, port uint16) PortState {
	i, ok := p.index(port)
	if !ok {
		return PortUnallocated
	}

	return p.pool(protocol).states[i]
}
