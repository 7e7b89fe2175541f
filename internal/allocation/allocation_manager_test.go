// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/returnd/internal/clock"
	"github.com/pion/returnd/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relayWrite struct {
	peer netip.AddrPort
	data []byte
}

type mockRelay struct {
	addr   netip.AddrPort
	writes []relayWrite
	closed bool
}

func (r *mockRelay) WriteTo(b []byte, peer netip.AddrPort) error {
	r.writes = append(r.writes, relayWrite{peer: peer, data: append([]byte{}, b...)})

	return nil
}

func (r *mockRelay) LocalAddr() netip.AddrPort { return r.addr }

func (r *mockRelay) Close() error {
	r.closed = true

	return nil
}

type mockBinder struct {
	relays map[uint16]*mockRelay
	fail   bool
}

func (b *mockBinder) Bind(_ FiveTuple, port uint16) (RelayConn, error) {
	if b.fail {
		return nil, errors.New("address in use") //nolint:goerr113
	}
	r := &mockRelay{addr: netip.AddrPortFrom(netip.MustParseAddr("192.0.2.100"), port)}
	if b.relays == nil {
		b.relays = map[uint16]*mockRelay{}
	}
	b.relays[port] = r

	return r, nil
}

type mockSender struct {
	sent [][]byte
}

func (s *mockSender) Send(_ FiveTuple, b []byte) error {
	s.sent = append(s.sent, append([]byte{}, b...))

	return nil
}

type testEnv struct {
	clock   *clock.Manual
	ports   *PortAllocator
	binder  *mockBinder
	sender  *mockSender
	manager *Manager
}

func newTestEnv(t *testing.T, minPort, maxPort uint16, modify ...func(*ManagerConfig)) *testEnv {
	t.Helper()

	ports, err := NewPortAllocator(minPort, maxPort)
	require.NoError(t, err)

	env := &testEnv{
		clock:  clock.NewManual(time.Unix(1700000000, 0)),
		ports:  ports,
		binder: &mockBinder{},
		sender: &mockSender{},
	}
	config := ManagerConfig{
		LeveledLogger: logging.NewDefaultLoggerFactory().NewLogger("test"),
		Clock:         env.clock,
		Ports:         ports,
		RelayBinder:   env.binder,
		Sender:        env.sender,
	}
	for _, f := range modify {
		f(&config)
	}
	env.manager, err = NewManager(config)
	require.NoError(t, err)

	return env
}

var tupleSeq uint16 //nolint:gochecknoglobals

func randomFiveTuple() FiveTuple {
	tupleSeq++

	return NewFiveTuple(UDP,
		netip.AddrPortFrom(netip.MustParseAddr("198.51.100.1"), 1024+tupleSeq),
		netip.MustParseAddrPort("192.0.2.1:3478"),
	)
}

func TestNewManagerValidation(t *testing.T) {
	ports, err := NewPortAllocator(50000, 50010)
	require.NoError(t, err)
	log := logging.NewDefaultLoggerFactory().NewLogger("test")

	for _, tc := range []struct {
		config ManagerConfig
		err    error
	}{
		{ManagerConfig{Ports: ports, RelayBinder: &mockBinder{}, Sender: &mockSender{}}, errLeveledLoggerMustBeSet},
		{ManagerConfig{LeveledLogger: log, RelayBinder: &mockBinder{}, Sender: &mockSender{}}, errPortAllocatorMustBeSet},
		{ManagerConfig{LeveledLogger: log, Ports: ports, Sender: &mockSender{}}, errRelayBinderMustBeSet},
		{ManagerConfig{LeveledLogger: log, Ports: ports, RelayBinder: &mockBinder{}}, errSenderMustBeSet},
	} {
		_, err := NewManager(tc.config)
		assert.ErrorIs(t, err, tc.err)
	}
}

// Test valid Allocation creations.
func TestCreateAllocation(t *testing.T) {
	env := newTestEnv(t, 50000, 50010)

	fiveTuple := randomFiveTuple()
	a, err := env.manager.CreateAllocation(CreateParams{
		FiveTuple: fiveTuple, Username: "alice", Realm: "example.org", Lifetime: 10 * time.Minute,
	})
	require.NoError(t, err, "Failed to create allocation")

	assert.Same(t, a, env.manager.GetAllocation(fiveTuple), "Failed to get allocation right after creation")
	assert.Same(t, a, env.manager.GetAllocationForRelayPort(a.RelayAddr().Port()))
	assert.Equal(t, PortAllocated, env.ports.State(UDP, a.RelayAddr().Port()))
	assert.Equal(t, env.clock.Now().Add(10*time.Minute), a.ExpiresAt())
	assert.Equal(t, "alice", a.Username())
	assert.Equal(t, 1, env.manager.AllocationCount())

	assert.NoError(t, env.manager.Close())
	assert.Zero(t, env.manager.AllocationCount())
	assert.True(t, env.binder.relays[a.RelayAddr().Port()].closed)
}

// Test that two allocations can't be created with the same FiveTuple.
func TestCreateAllocationDuplicateFiveTuple(t *testing.T) {
	env := newTestEnv(t, 50000, 50010)

	fiveTuple := randomFiveTuple()
	_, err := env.manager.CreateAllocation(CreateParams{FiveTuple: fiveTuple, Lifetime: time.Minute})
	require.NoError(t, err)

	a, err := env.manager.CreateAllocation(CreateParams{FiveTuple: fiveTuple, Lifetime: time.Minute})
	assert.Nil(t, a, "Was able to create allocation with same FiveTuple twice")
	assert.ErrorIs(t, err, ErrDupeFiveTuple)
}

func TestCreateAllocationZeroLifetime(t *testing.T) {
	env := newTestEnv(t, 50000, 50010)

	a, err := env.manager.CreateAllocation(CreateParams{FiveTuple: randomFiveTuple()})
	assert.Nil(t, a, "Illegally created allocation with 0 lifetime")
	assert.ErrorIs(t, err, errLifetimeZero)
}

func TestCreateAllocationExhaustion(t *testing.T) {
	env := newTestEnv(t, 50000, 50001)

	for i := 0; i < 2; i++ {
		_, err := env.manager.CreateAllocation(CreateParams{FiveTuple: randomFiveTuple(), Lifetime: time.Minute})
		require.NoError(t, err)
	}

	_, err := env.manager.CreateAllocation(CreateParams{FiveTuple: randomFiveTuple(), Lifetime: time.Minute})
	assert.ErrorIs(t, err, ErrInsufficientCapacity)
	assert.Equal(t, 2, env.manager.AllocationCount())
}

func TestCreateAllocationBindFailureReleasesPort(t *testing.T) {
	env := newTestEnv(t, 50000, 50003)
	env.binder.fail = true

	_, err := env.manager.CreateAllocation(CreateParams{
		FiveTuple: randomFiveTuple(),
		Lifetime:  time.Minute,
		PortProps: &proto.PortProps{Alignment: proto.AlignEvenPair},
	})
	assert.ErrorIs(t, err, ErrRelayBind)
	assert.Zero(t, env.manager.AllocationCount())
	for port := uint16(50000); port <= 50003; port++ {
		assert.Equal(t, PortUnallocated, env.ports.State(UDP, port), "port %d", port)
	}
}

func TestCreateAllocationQuota(t *testing.T) {
	env := newTestEnv(t, 50000, 50010, func(c *ManagerConfig) { c.MaxAllocationsPerUser = 2 })

	var tuples []FiveTuple
	for i := 0; i < 2; i++ {
		tuples = append(tuples, randomFiveTuple())
		_, err := env.manager.CreateAllocation(CreateParams{FiveTuple: tuples[i], Username: "bob", Lifetime: time.Minute})
		require.NoError(t, err)
	}

	_, err := env.manager.CreateAllocation(CreateParams{FiveTuple: randomFiveTuple(), Username: "bob", Lifetime: time.Minute})
	assert.ErrorIs(t, err, ErrQuotaReached)

	_, err = env.manager.CreateAllocation(CreateParams{FiveTuple: randomFiveTuple(), Username: "carol", Lifetime: time.Minute})
	assert.NoError(t, err, "quota is per user")

	assert.True(t, env.manager.DeleteAllocation(tuples[0]))
	_, err = env.manager.CreateAllocation(CreateParams{FiveTuple: randomFiveTuple(), Username: "bob", Lifetime: time.Minute})
	assert.NoError(t, err)
}

func TestCreateAllocationPortProps(t *testing.T) {
	env := newTestEnv(t, 50000, 50020)

	for _, tc := range []struct {
		props  proto.PortProps
		verify func(port uint16) bool
	}{
		{proto.PortProps{Port: 50013}, func(p uint16) bool { return p == 50013 }},
		{proto.PortProps{Alignment: proto.AlignEven}, func(p uint16) bool { return p%2 == 0 }},
		{proto.PortProps{Alignment: proto.AlignOdd}, func(p uint16) bool { return p%2 == 1 }},
	} {
		props := tc.props
		a, err := env.manager.CreateAllocation(CreateParams{FiveTuple: randomFiveTuple(), Lifetime: time.Minute, PortProps: &props})
		require.NoError(t, err)
		assert.True(t, tc.verify(a.RelayAddr().Port()), "%v got %d", props, a.RelayAddr().Port())
	}

	_, err := env.manager.CreateAllocation(CreateParams{
		FiveTuple: randomFiveTuple(), Lifetime: time.Minute, PortProps: &proto.PortProps{Port: 50013},
	})
	assert.ErrorIs(t, err, ErrInsufficientCapacity)
}

func TestAllocationExpiry(t *testing.T) {
	var deleted []FiveTuple
	env := newTestEnv(t, 50000, 50010, func(c *ManagerConfig) {
		c.EventHandler.OnAllocationDeleted = func(src, dst netip.AddrPort, protocol, _, _ string) {
			deleted = append(deleted, NewFiveTuple(UDP, src, dst))
		}
	})

	fiveTuple := randomFiveTuple()
	a, err := env.manager.CreateAllocation(CreateParams{FiveTuple: fiveTuple, Lifetime: time.Minute})
	require.NoError(t, err)
	port := a.RelayAddr().Port()

	env.clock.Advance(30 * time.Second)
	a.Refresh(time.Minute)
	env.clock.Advance(59 * time.Second)
	assert.NotNil(t, env.manager.GetAllocation(fiveTuple), "refresh pushed the expiry out")

	env.clock.Advance(time.Second)
	assert.Nil(t, env.manager.GetAllocation(fiveTuple))
	assert.Equal(t, []FiveTuple{fiveTuple}, deleted)
	assert.Equal(t, PortUnallocated, env.ports.State(UDP, port))
	assert.True(t, env.binder.relays[port].closed)
	assert.Zero(t, env.clock.Pending())
}

func TestAllocationStaleExpiryIsIgnored(t *testing.T) {
	env := newTestEnv(t, 50000, 50010)

	fiveTuple := randomFiveTuple()
	old, err := env.manager.CreateAllocation(CreateParams{FiveTuple: fiveTuple, Lifetime: time.Minute})
	require.NoError(t, err)
	staleExpire := old.onExpire

	assert.True(t, env.manager.DeleteAllocation(fiveTuple))
	assert.False(t, env.manager.DeleteAllocation(fiveTuple))
	staleExpire()

	fresh, err := env.manager.CreateAllocation(CreateParams{FiveTuple: fiveTuple, Lifetime: time.Minute})
	require.NoError(t, err)

	staleExpire()
	assert.Same(t, fresh, env.manager.GetAllocation(fiveTuple), "a late timer must not remove the new allocation")
}

func TestTransportClosed(t *testing.T) {
	env := newTestEnv(t, 50000, 50010)

	fiveTuple := randomFiveTuple()
	fiveTuple.Protocol = TCP
	_, err := env.manager.CreateAllocation(CreateParams{FiveTuple: fiveTuple, Lifetime: time.Minute})
	require.NoError(t, err)

	env.manager.TransportClosed(fiveTuple)
	assert.Nil(t, env.manager.GetAllocation(fiveTuple))
	assert.Zero(t, env.clock.Pending(), "the expiry timer is cancelled")

	env.manager.TransportClosed(fiveTuple)
}

func TestReservationToken(t *testing.T) {
	env := newTestEnv(t, 50000, 50003)

	first, err := env.manager.CreateAllocation(CreateParams{
		FiveTuple: randomFiveTuple(),
		Lifetime:  time.Minute,
		PortProps: &proto.PortProps{Alignment: proto.AlignEvenPair},
	})
	require.NoError(t, err)
	token := first.ReservationToken()
	require.NotNil(t, token)

	even := first.RelayAddr().Port()
	reserved, ok := env.manager.GetReservation(*token)
	require.True(t, ok)
	assert.Equal(t, even+1, reserved)
	assert.Equal(t, PortReserved, env.ports.State(UDP, reserved))

	second, err := env.manager.CreateAllocation(CreateParams{
		FiveTuple:        randomFiveTuple(),
		Lifetime:         time.Minute,
		ReservationToken: token,
	})
	require.NoError(t, err)
	assert.Equal(t, reserved, second.RelayAddr().Port())
	assert.Nil(t, first.ReservationToken(), "token is consumed")

	_, err = env.manager.CreateAllocation(CreateParams{
		FiveTuple:        randomFiveTuple(),
		Lifetime:         time.Minute,
		ReservationToken: token,
	})
	assert.ErrorIs(t, err, ErrInsufficientCapacity)

	assert.True(t, env.manager.DeleteAllocation(first.FiveTuple()))
	assert.Equal(t, PortAllocated, env.ports.State(UDP, reserved))
}

func TestReservationExpiry(t *testing.T) {
	env := newTestEnv(t, 50000, 50003)

	a, err := env.manager.CreateAllocation(CreateParams{
		FiveTuple: randomFiveTuple(),
		Lifetime:  time.Hour,
		PortProps: &proto.PortProps{Alignment: proto.AlignEvenPair},
	})
	require.NoError(t, err)
	token := *a.ReservationToken()
	reserved := a.RelayAddr().Port() + 1

	env.clock.Advance(DefaultReservationTimeout)
	_, ok := env.manager.GetReservation(token)
	assert.False(t, ok)
	assert.Equal(t, PortUnallocated, env.ports.State(UDP, reserved))
	assert.Nil(t, a.ReservationToken())
	assert.NotNil(t, env.manager.GetAllocation(a.FiveTuple()))
}

func TestDeleteAllocationDropsReservation(t *testing.T) {
	env := newTestEnv(t, 50000, 50003)

	a, err := env.manager.CreateAllocation(CreateParams{
		FiveTuple: randomFiveTuple(),
		Lifetime:  time.Hour,
		PortProps: &proto.PortProps{Alignment: proto.AlignEvenPair},
	})
	require.NoError(t, err)
	token := *a.ReservationToken()

	assert.True(t, env.manager.DeleteAllocation(a.FiveTuple()))
	_, ok := env.manager.GetReservation(token)
	assert.False(t, ok)
	for port := uint16(50000); port <= 50003; port++ {
		assert.Equal(t, PortUnallocated, env.ports.State(UDP, port), fmt.Sprint(port))
	}
	assert.Zero(t, env.clock.Pending())
}
