// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package allocation

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/pion/logging"
	"github.com/pion/returnd/internal/clock"
	"github.com/pion/returnd/internal/proto"
)

// RelayBinder opens relay sockets on ports chosen by the PortAllocator.
type RelayBinder interface {
	Bind(fiveTuple FiveTuple, port uint16) (RelayConn, error)
}

// ManagerConfig a bag of config params for Manager.
type ManagerConfig struct {
	LeveledLogger logging.LeveledLogger
	// Clock defaults to clock.Real.
	Clock        clock.Clock
	Ports        *PortAllocator
	RelayBinder  RelayBinder
	Sender       Sender
	EventHandler EventHandler

	// PermissionTimeout defaults to DefaultPermissionTimeout.
	PermissionTimeout time.Duration
	// ChannelBindTimeout defaults to DefaultChannelBindTimeout.
	ChannelBindTimeout time.Duration
	// ReservationTimeout defaults to DefaultReservationTimeout.
	ReservationTimeout time.Duration
	// MaxAllocationsPerUser limits live allocations per username; 0 means
	// no limit.
	MaxAllocationsPerUser int
}

// CreateParams describes a new allocation.
type CreateParams struct {
	FiveTuple FiveTuple
	Username  string
	Realm     string
	Key       []byte
	Lifetime  time.Duration

	// PortProps selects parity or a specific relay port.
	PortProps *proto.PortProps
	// ReservationToken claims a port reserved by an earlier even-pair
	// allocation. It takes precedence over PortProps.
	ReservationToken *proto.ReservationToken
}

// Manager is used to hold active allocations. It is the allocation table:
// it owns every Allocation, its relay port and its expiry timer. Manager is
// not safe for concurrent use; all calls come from the dispatch goroutine.
type Manager struct {
	log    logging.LeveledLogger
	clock  clock.Clock
	ports  *PortAllocator
	binder RelayBinder
	sender Sender
	events EventHandler

	permissionTimeout  time.Duration
	channelBindTimeout time.Duration
	reservationTimeout time.Duration
	maxPerUser         int

	allocations  map[FiveTuple]*Allocation
	relays       map[uint16]*Allocation
	perUser      map[string]int
	reservations map[proto.ReservationToken]*reservation
	nextID       uint64
}

// NewManager creates a new instance of Manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	switch {
	case config.LeveledLogger == nil:
		return nil, errLeveledLoggerMustBeSet
	case config.Ports == nil:
		return nil, errPortAllocatorMustBeSet
	case config.RelayBinder == nil:
		return nil, errRelayBinderMustBeSet
	case config.Sender == nil:
		return nil, errSenderMustBeSet
	}

	m := &Manager{
		log:                config.LeveledLogger,
		clock:              config.Clock,
		ports:              config.Ports,
		binder:             config.RelayBinder,
		sender:             config.Sender,
		events:             config.EventHandler,
		permissionTimeout:  config.PermissionTimeout,
		channelBindTimeout: config.ChannelBindTimeout,
		reservationTimeout: config.ReservationTimeout,
		maxPerUser:         config.MaxAllocationsPerUser,
		allocations:        make(map[FiveTuple]*Allocation),
		relays:             make(map[uint16]*Allocation),
		perUser:            make(map[string]int),
		reservations:       make(map[proto.ReservationToken]*reservation),
	}
	if m.clock == nil {
		m.clock = clock.Real{}
	}
	if m.permissionTimeout == 0 {
		m.permissionTimeout = DefaultPermissionTimeout
	}
	if m.channelBindTimeout == 0 {
		m.channelBindTimeout = DefaultChannelBindTimeout
	}
	if m.reservationTimeout == 0 {
		m.reservationTimeout = DefaultReservationTimeout
	}

	return m, nil
}

// GetAllocation fetches the allocation matching the passed FiveTuple.
func (m *Manager) GetAllocation(fiveTuple FiveTuple) *Allocation {
	return m.allocations[fiveTuple]
}

// GetAllocationForRelayPort fetches the allocation owning the relay port.
func (m *Manager) GetAllocationForRelayPort(port uint16) *Allocation {
	return m.relays[port]
}

// AllocationCount returns the number of live allocations.
func (m *Manager) AllocationCount() int {
	return len(m.allocations)
}

// Close closes the manager and closes all allocations it manages.
func (m *Manager) Close() error {
	var errs []error
	for fiveTuple, a := range m.allocations {
		if err := m.remove(fiveTuple, a); err != nil {
			errs = append(errs, err)
		}
	}
	for token := range m.reservations {
		m.dropReservation(token)
	}

	return errors.Join(errs...)
}

// CreateAllocation creates a new allocation and starts relaying. On failure
// no port stays allocated.
func (m *Manager) CreateAllocation(params CreateParams) (*Allocation, error) { //nolint:cyclop
	fiveTuple := params.FiveTuple
	switch {
	case params.Lifetime <= 0:
		return nil, errLifetimeZero
	case m.allocations[fiveTuple] != nil:
		return nil, fmt.Errorf("%w: %v", ErrDupeFiveTuple, fiveTuple)
	case m.maxPerUser > 0 && params.Username != "" && m.perUser[params.Username] >= m.maxPerUser:
		return nil, fmt.Errorf("%w: %q", ErrQuotaReached, params.Username)
	}

	port, requestedPort, err := m.allocatePort(params)
	if err != nil {
		return nil, err
	}

	relay, err := m.binder.Bind(fiveTuple, port)
	if err != nil {
		m.ports.Deallocate(UDP, port)

		return nil, fmt.Errorf("%w on port %d: %v", ErrRelayBind, port, err) //nolint:errorlint
	}

	m.nextID++
	id := m.nextID
	a := &Allocation{
		id:                 id,
		fiveTuple:          fiveTuple,
		username:           params.Username,
		realm:              params.Realm,
		key:                params.Key,
		relay:              relay,
		relayAddr:          relay.LocalAddr(),
		relayPort:          port,
		permissions:        make(map[netip.Addr]*Permission),
		clientChannels:     newChannelTable(),
		serverChannels:     newChannelTable(),
		channelCursor:      proto.MinChannelNumber,
		permissionTimeout:  m.permissionTimeout,
		channelBindTimeout: m.channelBindTimeout,
		clock:              m.clock,
		sender:             m.sender,
		events:             m.events,
		log:                m.log,
	}
	a.onExpire = func() { m.expire(fiveTuple, id) }

	if params.PortProps != nil && params.PortProps.Alignment == proto.AlignEvenPair && params.ReservationToken == nil {
		a.reservation = m.reserve(port+1, fiveTuple)
	}

	m.allocations[fiveTuple] = a
	m.relays[port] = a
	if params.Username != "" {
		m.perUser[params.Username]++
	}
	a.Refresh(params.Lifetime)

	m.log.Debugf("Allocation %v created, relay %s", fiveTuple, a.relayAddr)
	if f := m.events.OnAllocationCreated; f != nil {
		f(fiveTuple.SrcAddr, fiveTuple.DstAddr, fiveTuple.Protocol.String(),
			a.username, a.realm, a.relayAddr, requestedPort)
	}

	return a, nil
}

// allocatePort resolves the relay port for params through the reservation
// table or the PortAllocator.
func (m *Manager) allocatePort(params CreateParams) (port uint16, requested int, err error) {
	if params.ReservationToken != nil {
		r, ok := m.reservations[*params.ReservationToken]
		if !ok {
			return 0, 0, fmt.Errorf("%w: unknown reservation token", ErrInsufficientCapacity)
		}
		m.dropReservation(*params.ReservationToken)
		if !m.ports.AllocateSpecific(UDP, r.port) {
			return 0, int(r.port), fmt.Errorf("%w: reserved port %d taken", ErrInsufficientCapacity, r.port)
		}

		return r.port, int(r.port), nil
	}

	props := proto.PortProps{}
	if params.PortProps != nil {
		props = *params.PortProps
	}
	switch {
	case props.Port != 0:
		if !m.ports.AllocateSpecific(UDP, props.Port) {
			return 0, int(props.Port), fmt.Errorf("%w: port %d", ErrInsufficientCapacity, props.Port)
		}

		return props.Port, int(props.Port), nil
	case props.Alignment == proto.AlignOdd:
		port = m.ports.AllocateOdd(UDP)
	case props.Alignment == proto.AlignEven:
		port = m.ports.AllocateEven(UDP)
	case props.Alignment == proto.AlignEvenPair:
		port = m.ports.AllocateEvenPair(UDP)
	default:
		port = m.ports.AllocateAny(UDP)
	}
	if port == 0 {
		return 0, 0, fmt.Errorf("%w: %s", ErrInsufficientCapacity, props.Alignment)
	}

	return port, 0, nil
}

// DeleteAllocation removes an allocation, closing its relay socket and
// releasing its port.
func (m *Manager) DeleteAllocation(fiveTuple FiveTuple) bool {
	a, ok := m.allocations[fiveTuple]
	if !ok {
		return false
	}
	if err := m.remove(fiveTuple, a); err != nil {
		m.log.Errorf("Failed to close allocation: %v", err)
	}

	return true
}

// TransportClosed is called when the client transport of fiveTuple went
// away. The allocation created over it, if any, is removed.
func (m *Manager) TransportClosed(fiveTuple FiveTuple) {
	if m.DeleteAllocation(fiveTuple) {
		m.log.Debugf("Allocation %v removed after its transport closed", fiveTuple)
	}
}

// expire runs on the expiry timer. A timer belonging to an allocation that
// has since been removed, or replaced on the same 5-tuple, is ignored.
func (m *Manager) expire(fiveTuple FiveTuple, id uint64) {
	a, ok := m.allocations[fiveTuple]
	if !ok || a.id != id {
		return
	}
	m.log.Debugf("Allocation %v expired", fiveTuple)
	if err := m.remove(fiveTuple, a); err != nil {
		m.log.Errorf("Failed to close allocation: %v", err)
	}
}

func (m *Manager) remove(fiveTuple FiveTuple, a *Allocation) error {
	delete(m.allocations, fiveTuple)
	delete(m.relays, a.relayPort)
	if a.username != "" {
		if m.perUser[a.username]--; m.perUser[a.username] <= 0 {
			delete(m.perUser, a.username)
		}
	}
	if a.reservation != nil {
		m.dropReservation(*a.reservation)
	}
	m.ports.Deallocate(UDP, a.relayPort)

	err := a.close()
	if f := m.events.OnAllocationDeleted; f != nil {
		f(fiveTuple.SrcAddr, fiveTuple.DstAddr, fiveTuple.Protocol.String(), a.username, a.realm)
	}

	return err
}
