// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPortAllocatorInvalidRange(t *testing.T) {
	_, err := NewPortAllocator(0, 10)
	assert.ErrorIs(t, err, errInvalidPortRange)

	_, err = NewPortAllocator(20, 10)
	assert.ErrorIs(t, err, errInvalidPortRange)
}

func TestPortAllocatorAllocateAny(t *testing.T) {
	p, err := NewPortAllocator(50000, 50099)
	require.NoError(t, err)

	seen := map[uint16]bool{}
	for i := 0; i < 100; i++ {
		port := p.AllocateAny(UDP)
		assert.NotZero(t, port)
		assert.False(t, seen[port], "port %d handed out twice", port)
		assert.GreaterOrEqual(t, port, uint16(50000))
		assert.LessOrEqual(t, port, uint16(50099))
		seen[port] = true
	}

	assert.Zero(t, p.AllocateAny(UDP), "range is exhausted")
	assert.NotZero(t, p.AllocateAny(TCP), "pools are per transport")

	p.Deallocate(UDP, 50042)
	assert.Equal(t, uint16(50042), p.AllocateAny(UDP))
}

func TestPortAllocatorParity(t *testing.T) {
	p, err := NewPortAllocator(50000, 50009)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		port := p.AllocateEven(UDP)
		assert.NotZero(t, port)
		assert.Zero(t, port%2)
	}
	assert.Zero(t, p.AllocateEven(UDP))

	for i := 0; i < 5; i++ {
		port := p.AllocateOdd(UDP)
		assert.NotZero(t, port)
		assert.Equal(t, uint16(1), port%2)
	}
	assert.Zero(t, p.AllocateOdd(UDP))
}

func TestPortAllocatorEvenPair(t *testing.T) {
	p, err := NewPortAllocator(50000, 50003)
	require.NoError(t, err)

	a := p.AllocateEvenPair(UDP)
	require.NotZero(t, a)
	assert.Zero(t, a%2)
	assert.Equal(t, PortAllocated, p.State(UDP, a))
	assert.Equal(t, PortReserved, p.State(UDP, a+1))

	b := p.AllocateEvenPair(UDP)
	require.NotZero(t, b)
	assert.NotEqual(t, a, b)
	assert.Zero(t, p.AllocateEvenPair(UDP))
	assert.Zero(t, p.AllocateAny(UDP))

	// Freeing the reserved odd port leaves the even port allocated.
	p.Deallocate(UDP, b+1)
	assert.Equal(t, PortAllocated, p.State(UDP, b))
	assert.Equal(t, PortUnallocated, p.State(UDP, b+1))

	// Freeing the even port releases its reservation too.
	p.Deallocate(UDP, a)
	assert.Equal(t, PortUnallocated, p.State(UDP, a))
	assert.Equal(t, PortUnallocated, p.State(UDP, a+1))
}

func TestPortAllocatorEvenPairNeedsFreeNeighbour(t *testing.T) {
	p, err := NewPortAllocator(50000, 50003)
	require.NoError(t, err)

	assert.True(t, p.AllocateSpecific(UDP, 50001))
	assert.True(t, p.AllocateSpecific(UDP, 50003))
	assert.Zero(t, p.AllocateEvenPair(UDP))
	assert.NotZero(t, p.AllocateEven(UDP))
}

func TestPortAllocatorAllocateSpecific(t *testing.T) {
	p, err := NewPortAllocator(50000, 50003)
	require.NoError(t, err)

	assert.False(t, p.AllocateSpecific(UDP, 49999))
	assert.False(t, p.AllocateSpecific(UDP, 50004))

	assert.True(t, p.AllocateSpecific(UDP, 50001))
	assert.False(t, p.AllocateSpecific(UDP, 50001))

	even := p.AllocateEvenPair(UDP)
	require.Equal(t, uint16(50002), even)
	assert.True(t, p.AllocateSpecific(UDP, 50003), "reserved port can be claimed")
	assert.Equal(t, PortAllocated, p.State(UDP, 50003))

	p.Deallocate(UDP, 50002)
	assert.Equal(t, PortAllocated, p.State(UDP, 50003), "claimed port outlives its pair")
}

func TestPortStateString(t *testing.T) {
	assert.Equal(t, "reserved", PortReserved.String())
	assert.Equal(t, "PortState(9)", PortState(9).String())
}
