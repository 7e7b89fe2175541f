// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package server

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/returnd/internal/allocation"
	"github.com/pion/returnd/internal/auth"
	"github.com/pion/returnd/internal/clock"
	"github.com/pion/returnd/internal/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRealm    = "example.org"
	testUser     = "alice"
	testPassword = "secret"
	minPort      = 50000
	maxPort      = 50009
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

func (b *mockBinder) Bind(_ allocation.FiveTuple, port uint16) (allocation.RelayConn, error) {
	if b.fail {
		return nil, errors.New("address in use") //nolint:goerr113
	}
	r := &mockRelay{addr: netip.AddrPortFrom(netip.MustParseAddr("192.0.2.1"), port)}
	b.relays[port] = r

	return r, nil
}

type sent struct {
	to allocation.FiveTuple
	b  []byte
}

type mockSender struct {
	sent []sent
}

func (s *mockSender) Send(ft allocation.FiveTuple, b []byte) error {
	s.sent = append(s.sent, sent{to: ft, b: append([]byte{}, b...)})

	return nil
}

type authEvent struct {
	username, method string
	verdict          bool
}

type testServer struct {
	clock      *clock.Manual
	binder     *mockBinder
	sender     *mockSender
	manager    *allocation.Manager
	auth       *auth.Authenticator
	dispatcher *Dispatcher
	authEvents []authEvent
}

type testOptions struct {
	mode       auth.Mode
	quota      int
	secrets    bool
	dispatcher func(*Config)
}

func newTestServer(t *testing.T, opts testOptions) *testServer {
	t.Helper()

	log := logging.NewDefaultLoggerFactory().NewLogger("dispatch")
	s := &testServer{
		clock:  clock.NewManual(time.Unix(1700000000, 0)),
		binder: &mockBinder{relays: map[uint16]*mockRelay{}},
		sender: &mockSender{},
	}

	ports, err := allocation.NewPortAllocator(minPort, maxPort)
	require.NoError(t, err)
	s.manager, err = allocation.NewManager(allocation.ManagerConfig{
		LeveledLogger:         log,
		Clock:                 s.clock,
		Ports:                 ports,
		RelayBinder:           s.binder,
		Sender:                s.sender,
		MaxAllocationsPerUser: opts.quota,
	})
	require.NoError(t, err)

	authConfig := auth.Config{
		Mode:  opts.mode,
		Realm: testRealm,
		AuthHandler: func(ra *auth.RequestAttributes) ([]byte, bool) {
			switch {
			case ra.Username != testUser && ra.Username != "bob":
				return nil, false
			case opts.mode == auth.ModeShortTerm:
				return proto.ShortTermKey(testPassword), true
			}

			return proto.LongTermKey(ra.Username, ra.Realm, testPassword), true
		},
		Clock:         s.clock,
		LeveledLogger: log,
	}
	if opts.secrets {
		authConfig.SharedSecrets, err = auth.NewSharedSecrets(0, s.clock)
		require.NoError(t, err)
	}
	s.auth, err = auth.NewAuthenticator(authConfig)
	require.NoError(t, err)

	config := Config{
		Allocations:   s.manager,
		Authenticator: s.auth,
		OnAuth: func(_, _ netip.AddrPort, _, username, _ string, method string, verdict bool) {
			s.authEvents = append(s.authEvents, authEvent{username, method, verdict})
		},
		LeveledLogger: log,
	}
	if opts.dispatcher != nil {
		opts.dispatcher(&config)
	}
	s.dispatcher, err = NewDispatcher(config)
	require.NoError(t, err)

	return s
}

var clientTuple = allocation.NewFiveTuple(allocation.UDP, //nolint:gochecknoglobals
	netip.MustParseAddrPort("198.51.100.7:40000"),
	netip.MustParseAddrPort("192.0.2.1:3478"),
)

// receive round-trips m through the codec so it looks like it came off the
// wire, signed with key when set.
func receive(t *testing.T, m *proto.Message, key []byte) *proto.Message {
	t.Helper()

	m.IntegrityKey = key
	b, err := proto.Encode(m, false)
	require.NoError(t, err)
	got, err := proto.Decode(b)
	require.NoError(t, err)

	return got
}

// wire encodes a response and decodes it again, the way a client sees it.
func wire(t *testing.T, res Response) *proto.Message {
	t.Helper()

	require.NotNil(t, res.Message)
	b, err := proto.Encode(res.Message, false)
	require.NoError(t, err)
	got, err := proto.Decode(b)
	require.NoError(t, err)

	return got
}

func (s *testServer) longTermRequest(t *testing.T, method proto.Method, modify func(*proto.Message)) *proto.Message {
	t.Helper()

	m := proto.New(proto.ClassRequest, method)
	m.Username = proto.String(testUser)
	m.Realm = proto.String(testRealm)
	m.Nonce = proto.String(s.auth.Nonces().Generate())
	if modify != nil {
		modify(m)
	}

	return receive(t, m, proto.LongTermKey(*m.Username, testRealm, testPassword))
}

func (s *testServer) handle(t *testing.T, m *proto.Message) *proto.Message {
	t.Helper()

	res := s.dispatcher.HandleMessage(m, clientTuple, false)
	require.Equal(t, DispositionRespond, res.Disposition)
	assert.Equal(t, m.TransactionID, res.Message.TransactionID)
	assert.Equal(t, m.Method, res.Message.Method)

	return wire(t, res)
}

func (s *testServer) allocate(t *testing.T) (*proto.Message, *proto.Message) {
	t.Helper()

	req := s.longTermRequest(t, proto.MethodAllocate, nil)
	res := s.handle(t, req)
	require.Equal(t, proto.ClassSuccessResponse, res.Class, "%v", res.ErrorCode)

	return req, res
}

func errorCode(t *testing.T, m *proto.Message) proto.Code {
	t.Helper()

	require.Equal(t, proto.ClassErrorResponse, m.Class)
	require.NotNil(t, m.ErrorCode)
	assert.False(t, m.HasIntegrity(), "error responses are never signed")

	return m.ErrorCode.Code
}

var testKey = proto.LongTermKey(testUser, testRealm, testPassword) //nolint:gochecknoglobals

func TestNewDispatcherValidation(t *testing.T) {
	_, err := NewDispatcher(Config{})
	assert.ErrorIs(t, err, errLeveledLoggerMustBeSet)

	log := logging.NewDefaultLoggerFactory().NewLogger("dispatch")
	_, err = NewDispatcher(Config{LeveledLogger: log})
	assert.ErrorIs(t, err, errAllocationManagerMustBeSet)

	s := newTestServer(t, testOptions{})
	_, err = NewDispatcher(Config{LeveledLogger: log, Allocations: s.manager})
	assert.ErrorIs(t, err, errAuthenticatorMustBeSet)

	_, err = NewDispatcher(Config{
		LeveledLogger: log, Allocations: s.manager, Authenticator: s.auth,
		DefaultLifetime: time.Hour, MaxLifetime: time.Minute,
	})
	assert.ErrorIs(t, err, errInvalidLifetimeRange)
}

func TestBindingWithoutIntegrity(t *testing.T) {
	s := newTestServer(t, testOptions{mode: auth.ModeLongTerm})

	req := receive(t, proto.New(proto.ClassRequest, proto.MethodBinding), nil)
	res := s.handle(t, req)

	expected := proto.NewResponse(req, proto.ClassSuccessResponse)
	expected.XORMappedAddress = proto.Addr(clientTuple.SrcAddr)
	assert.True(t, expected.Equal(res), "got %+v", res)
	assert.False(t, res.HasIntegrity())
	assert.Empty(t, s.authEvents, "plain Binding is not authenticated")
}

func TestBindingLegacyClient(t *testing.T) {
	s := newTestServer(t, testOptions{})

	req := proto.New(proto.ClassRequest, proto.MethodBinding)
	req.TransactionID[0] = 0
	req = receive(t, req, nil)
	require.False(t, req.HasMagicCookie())

	res := s.handle(t, req)
	assert.Equal(t, clientTuple.SrcAddr, *res.MappedAddress)
	assert.Nil(t, res.XORMappedAddress)
}

func TestBindingWithIntegrity(t *testing.T) {
	s := newTestServer(t, testOptions{mode: auth.ModeLongTerm})

	res := s.handle(t, s.longTermRequest(t, proto.MethodBinding, nil))
	require.Equal(t, proto.ClassSuccessResponse, res.Class)
	assert.NoError(t, res.CheckIntegrity(testKey))
	assert.Equal(t, []authEvent{{testUser, "Binding", true}}, s.authEvents)
}

func TestBindingChangeRequest(t *testing.T) {
	primary := netip.MustParseAddrPort("192.0.2.1:3478")
	alternate := netip.MustParseAddrPort("192.0.2.2:3479")

	t.Run("without legacy listeners", func(t *testing.T) {
		s := newTestServer(t, testOptions{})
		req := proto.New(proto.ClassRequest, proto.MethodBinding)
		req.ChangeRequest = &proto.ChangeRequest{ChangePort: true}

		res := s.handle(t, receive(t, req, nil))
		assert.Equal(t, proto.CodeUnknownAttribute, errorCode(t, res))
		assert.Equal(t, []proto.AttrType{proto.AttrChangeRequest}, res.UnknownAttributes)
	})

	s := newTestServer(t, testOptions{dispatcher: func(c *Config) {
		c.Legacy = &Legacy{PrimaryAddr: primary, AlternateAddr: alternate}
	}})

	for _, tc := range []struct {
		name        string
		change      *proto.ChangeRequest
		disposition Disposition
		source      netip.AddrPort
	}{
		{"NoChange", nil, DispositionRespond, primary},
		{"EmptyChange", &proto.ChangeRequest{}, DispositionRespond, primary},
		{"ChangeIP", &proto.ChangeRequest{ChangeIP: true}, DispositionRespondAlternate, netip.MustParseAddrPort("192.0.2.2:3478")},
		{"ChangePort", &proto.ChangeRequest{ChangePort: true}, DispositionRespondAlternate, netip.MustParseAddrPort("192.0.2.1:3479")},
		{"ChangeBoth", &proto.ChangeRequest{ChangeIP: true, ChangePort: true}, DispositionRespondAlternate, alternate},
	} {
		change, disposition, source := tc.change, tc.disposition, tc.source
		t.Run(tc.name, func(t *testing.T) {
			req := proto.New(proto.ClassRequest, proto.MethodBinding)
			req.ChangeRequest = change

			out := s.dispatcher.HandleMessage(receive(t, req, nil), clientTuple, false)
			assert.Equal(t, disposition, out.Disposition)
			if disposition == DispositionRespondAlternate {
				assert.Equal(t, source, out.Source)
			}
			res := wire(t, out)
			assert.Equal(t, source, *res.SourceAddress)
			assert.Equal(t, alternate, *res.ChangedAddress)
		})
	}

	t.Run("from the alternate listener", func(t *testing.T) {
		req := proto.New(proto.ClassRequest, proto.MethodBinding)
		req.ChangeRequest = &proto.ChangeRequest{ChangeIP: true, ChangePort: true}
		ft := allocation.NewFiveTuple(allocation.UDP, clientTuple.SrcAddr, alternate)

		out := s.dispatcher.HandleMessage(receive(t, req, nil), ft, false)
		assert.Equal(t, primary, out.Source)
	})

	t.Run("response address", func(t *testing.T) {
		target := netip.MustParseAddrPort("203.0.113.9:7000")
		req := proto.New(proto.ClassRequest, proto.MethodBinding)
		req.ResponseAddress = proto.Addr(target)

		out := s.dispatcher.HandleMessage(receive(t, req, nil), clientTuple, false)
		assert.Equal(t, target, out.Destination)
		assert.Equal(t, clientTuple.SrcAddr, *wire(t, out).ReflectedFrom)
	})

	t.Run("over a stream", func(t *testing.T) {
		ft := allocation.NewFiveTuple(allocation.TCP, clientTuple.SrcAddr, primary)

		req := proto.New(proto.ClassRequest, proto.MethodBinding)
		req.ChangeRequest = &proto.ChangeRequest{ChangeIP: true}
		out := s.dispatcher.HandleMessage(receive(t, req, nil), ft, false)
		assert.Equal(t, DispositionRespond, out.Disposition)
		res := wire(t, out)
		assert.Equal(t, proto.CodeUnknownAttribute, errorCode(t, res))
		assert.Equal(t, []proto.AttrType{proto.AttrChangeRequest}, res.UnknownAttributes)

		req = proto.New(proto.ClassRequest, proto.MethodBinding)
		req.ResponseAddress = proto.Addr(netip.MustParseAddrPort("203.0.113.9:7000"))
		out = s.dispatcher.HandleMessage(receive(t, req, nil), ft, false)
		assert.Equal(t, DispositionRespond, out.Disposition)
		assert.False(t, out.Destination.IsValid())
		res = wire(t, out)
		require.Equal(t, proto.ClassSuccessResponse, res.Class)
		assert.Nil(t, res.SourceAddress)
		assert.Nil(t, res.ChangedAddress)
	})
}

func TestSharedSecret(t *testing.T) {
	s := newTestServer(t, testOptions{mode: auth.ModeShortTerm, secrets: true})
	req := receive(t, proto.New(proto.ClassRequest, proto.MethodSharedSecret), nil)

	res := s.handle(t, req)
	assert.Equal(t, proto.CodeUseTLS, errorCode(t, res))

	out := s.dispatcher.HandleMessage(req, clientTuple, true)
	res = wire(t, out)
	require.Equal(t, proto.ClassSuccessResponse, res.Class)
	require.NotNil(t, res.Username)
	require.NotNil(t, res.Password)

	binding := proto.New(proto.ClassRequest, proto.MethodBinding)
	binding.Username = res.Username
	res = s.handle(t, receive(t, binding, proto.ShortTermKey(*res.Password)))
	assert.Equal(t, proto.ClassSuccessResponse, res.Class, "issued credentials authenticate")

	t.Run("not offered", func(t *testing.T) {
		s := newTestServer(t, testOptions{mode: auth.ModeShortTerm})
		out := s.dispatcher.HandleMessage(req, clientTuple, true)
		assert.Equal(t, proto.CodeBadRequest, errorCode(t, wire(t, out)))
	})
}

func TestAllocateChallenge(t *testing.T) {
	s := newTestServer(t, testOptions{mode: auth.ModeLongTerm})

	res := s.handle(t, receive(t, proto.New(proto.ClassRequest, proto.MethodAllocate), nil))
	assert.Equal(t, proto.CodeUnauthorized, errorCode(t, res))
	require.NotNil(t, res.Realm)
	assert.Equal(t, testRealm, *res.Realm)
	require.NotNil(t, res.Nonce)
	assert.Equal(t, auth.NonceValid, s.auth.Nonces().Validate(*res.Nonce))
	assert.Zero(t, s.manager.AllocationCount())
	assert.Equal(t, []authEvent{{"", "Allocate", false}}, s.authEvents)
}

func TestAllocate(t *testing.T) {
	s := newTestServer(t, testOptions{mode: auth.ModeLongTerm})

	_, res := s.allocate(t)
	assert.NoError(t, res.CheckIntegrity(testKey))
	assert.Equal(t, uint32(600), *res.Lifetime)
	assert.Equal(t, uint32(100), *res.Bandwidth)
	assert.Equal(t, clientTuple.SrcAddr, *res.XORMappedAddress)
	assert.Nil(t, res.ReservationToken)

	relay := res.RelayedAddress
	require.NotNil(t, relay)
	assert.GreaterOrEqual(t, relay.Port(), uint16(minPort))
	assert.LessOrEqual(t, relay.Port(), uint16(maxPort))

	a := s.manager.GetAllocation(clientTuple)
	require.NotNil(t, a)
	assert.Equal(t, *relay, a.RelayAddr())
	assert.Equal(t, testUser, a.Username())
	assert.Equal(t, []authEvent{{testUser, "Allocate", true}}, s.authEvents)
}

func TestAllocateRetransmission(t *testing.T) {
	s := newTestServer(t, testOptions{mode: auth.ModeLongTerm})

	req, first := s.allocate(t)
	again := s.handle(t, req)
	assert.True(t, first.Equal(again), "retransmission gets the cached response")
	assert.NoError(t, again.CheckIntegrity(testKey))
	assert.Equal(t, 1, s.manager.AllocationCount())

	res := s.handle(t, s.longTermRequest(t, proto.MethodAllocate, nil))
	assert.Equal(t, proto.CodeAllocMismatch, errorCode(t, res))
}

func TestAllocateRejections(t *testing.T) {
	for _, tc := range []struct {
		name   string
		opts   testOptions
		setup  func(*testServer)
		modify func(*proto.Message)
		code   proto.Code
	}{
		{
			name:   "UnsupportedTransport",
			modify: func(m *proto.Message) { tcp := proto.ProtoTCP; m.RequestedTransport = &tcp },
			code:   proto.CodeUnsupportedTransProto,
		},
		{
			name:   "DontFragment",
			modify: func(m *proto.Message) { m.DontFragment = true },
			code:   proto.CodeUnknownAttribute,
		},
		{
			name: "ReservationTokenWithEvenPort",
			modify: func(m *proto.Message) {
				m.ReservationToken = &proto.ReservationToken{1, 2, 3, 4, 5, 6, 7, 8}
				m.PortProps = &proto.PortProps{Alignment: proto.AlignEven}
			},
			code: proto.CodeBadRequest,
		},
		{
			name:   "UnknownReservationToken",
			modify: func(m *proto.Message) { m.ReservationToken = &proto.ReservationToken{1, 2, 3, 4, 5, 6, 7, 8} },
			code:   proto.CodeInsufficientCapacity,
		},
		{
			name:  "BindFailure",
			setup: func(s *testServer) { s.binder.fail = true },
			code:  proto.CodeServerError,
		},
		{
			name: "Exhausted",
			setup: func(s *testServer) {
				for port := uint16(minPort); port <= maxPort; port++ {
					_, err := s.manager.CreateAllocation(allocation.CreateParams{
						FiveTuple: allocation.NewFiveTuple(allocation.UDP,
							netip.AddrPortFrom(netip.MustParseAddr("203.0.113.1"), port), clientTuple.DstAddr),
						Lifetime: time.Minute,
					})
					if err != nil {
						panic(err)
					}
				}
			},
			code: proto.CodeInsufficientCapacity,
		},
		{
			name: "Quota",
			opts: testOptions{quota: 1},
			setup: func(s *testServer) {
				_, err := s.manager.CreateAllocation(allocation.CreateParams{
					FiveTuple: allocation.NewFiveTuple(allocation.UDP, netip.MustParseAddrPort("203.0.113.1:1"), clientTuple.DstAddr),
					Username:  testUser,
					Realm:     testRealm,
					Lifetime:  time.Minute,
				})
				if err != nil {
					panic(err)
				}
			},
			code: proto.CodeAllocQuotaReached,
		},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			tc.opts.mode = auth.ModeLongTerm
			s := newTestServer(t, tc.opts)
			if tc.setup != nil {
				tc.setup(s)
			}
			before := s.manager.AllocationCount()

			res := s.handle(t, s.longTermRequest(t, proto.MethodAllocate, tc.modify))
			assert.Equal(t, tc.code, errorCode(t, res))
			assert.Nil(t, s.manager.GetAllocation(clientTuple))
			assert.Equal(t, before, s.manager.AllocationCount())
			if tc.code == proto.CodeUnknownAttribute {
				assert.Equal(t, []proto.AttrType{proto.AttrDontFragment}, res.UnknownAttributes)
			}
		})
	}
}

func TestAllocateLifetimeClamp(t *testing.T) {
	for _, tc := range []struct {
		requested uint32
		granted   uint32
	}{
		{1, 600},
		{0, 600},
		{1200, 1200},
		{7200, 3600},
	} {
		s := newTestServer(t, testOptions{mode: auth.ModeLongTerm})
		requested := tc.requested
		res := s.handle(t, s.longTermRequest(t, proto.MethodAllocate, func(m *proto.Message) {
			m.Lifetime = proto.Uint32(requested)
		}))
		require.Equal(t, proto.ClassSuccessResponse, res.Class)
		assert.Equal(t, tc.granted, *res.Lifetime, "requested %d", requested)
	}
}

func TestAllocateEvenPortReservation(t *testing.T) {
	s := newTestServer(t, testOptions{mode: auth.ModeLongTerm})

	res := s.handle(t, s.longTermRequest(t, proto.MethodAllocate, func(m *proto.Message) {
		m.PortProps = &proto.PortProps{Alignment: proto.AlignEvenPair}
	}))
	require.Equal(t, proto.ClassSuccessResponse, res.Class)
	require.NotNil(t, res.ReservationToken)
	assert.Zero(t, res.RelayedAddress.Port()%2)

	second := allocation.NewFiveTuple(allocation.UDP, netip.MustParseAddrPort("198.51.100.8:40000"), clientTuple.DstAddr)
	token := *res.ReservationToken
	req := s.longTermRequest(t, proto.MethodAllocate, func(m *proto.Message) { m.ReservationToken = &token })
	out := wire(t, s.dispatcher.HandleMessage(req, second, false))
	require.Equal(t, proto.ClassSuccessResponse, out.Class)
	assert.Equal(t, res.RelayedAddress.Port()+1, out.RelayedAddress.Port())
}

func TestAllocateBandwidth(t *testing.T) {
	s := newTestServer(t, testOptions{})

	res := s.handle(t, receive(t, func() *proto.Message {
		m := proto.New(proto.ClassRequest, proto.MethodAllocate)
		m.Bandwidth = proto.Uint32(64)

		return m
	}(), nil))
	require.Equal(t, proto.ClassSuccessResponse, res.Class)
	assert.Equal(t, uint32(64), *res.Bandwidth)
	assert.False(t, res.HasIntegrity(), "unauthenticated responses are not signed")
}

func TestRefresh(t *testing.T) {
	s := newTestServer(t, testOptions{mode: auth.ModeLongTerm})
	s.allocate(t)
	a := s.manager.GetAllocation(clientTuple)

	res := s.handle(t, s.longTermRequest(t, proto.MethodRefresh, func(m *proto.Message) { m.Lifetime = proto.Uint32(1800) }))
	require.Equal(t, proto.ClassSuccessResponse, res.Class)
	assert.Equal(t, uint32(1800), *res.Lifetime)
	assert.Equal(t, s.clock.Now().Add(30*time.Minute), a.ExpiresAt())
	assert.NoError(t, res.CheckIntegrity(testKey))

	res = s.handle(t, s.longTermRequest(t, proto.MethodRefresh, func(m *proto.Message) { m.Lifetime = proto.Uint32(0) }))
	require.Equal(t, proto.ClassSuccessResponse, res.Class)
	assert.Equal(t, uint32(0), *res.Lifetime)
	assert.NoError(t, res.CheckIntegrity(testKey))
	assert.Nil(t, s.manager.GetAllocation(clientTuple))
	assert.True(t, s.binder.relays[a.RelayAddr().Port()].closed)

	res = s.handle(t, s.longTermRequest(t, proto.MethodRefresh, nil))
	assert.Equal(t, proto.CodeAllocMismatch, errorCode(t, res))
}

func TestWrongCredentials(t *testing.T) {
	s := newTestServer(t, testOptions{mode: auth.ModeLongTerm})
	s.allocate(t)

	for _, method := range []proto.Method{proto.MethodRefresh, proto.MethodCreatePermission, proto.MethodChannelBind} {
		res := s.handle(t, s.longTermRequest(t, method, func(m *proto.Message) {
			n := proto.ChannelNumber(0x4000)
			m.Username = proto.String("bob")
			m.PeerAddresses = []netip.AddrPort{netip.MustParseAddrPort("203.0.113.4:5000")}
			m.ChannelNumber = &n
		}))
		assert.Equal(t, proto.CodeWrongCredentials, errorCode(t, res), method.String())
	}
	assert.NotNil(t, s.manager.GetAllocation(clientTuple))
}

func TestCreatePermission(t *testing.T) {
	s := newTestServer(t, testOptions{mode: auth.ModeLongTerm})

	res := s.handle(t, s.longTermRequest(t, proto.MethodCreatePermission, nil))
	assert.Equal(t, proto.CodeAllocMismatch, errorCode(t, res))

	s.allocate(t)
	res = s.handle(t, s.longTermRequest(t, proto.MethodCreatePermission, nil))
	assert.Equal(t, proto.CodeBadRequest, errorCode(t, res), "at least one peer is required")

	peers := []netip.AddrPort{
		netip.MustParseAddrPort("203.0.113.4:5000"),
		netip.MustParseAddrPort("203.0.113.5:5000"),
	}
	res = s.handle(t, s.longTermRequest(t, proto.MethodCreatePermission, func(m *proto.Message) { m.PeerAddresses = peers }))
	require.Equal(t, proto.ClassSuccessResponse, res.Class)
	assert.NoError(t, res.CheckIntegrity(testKey))

	a := s.manager.GetAllocation(clientTuple)
	for _, peer := range peers {
		assert.True(t, a.ExistsPermission(peer.Addr()))
	}
}

func TestChannelBind(t *testing.T) {
	s := newTestServer(t, testOptions{mode: auth.ModeLongTerm})
	s.allocate(t)
	a := s.manager.GetAllocation(clientTuple)
	peer := netip.MustParseAddrPort("203.0.113.4:5000")
	channel := func(n proto.ChannelNumber) *proto.ChannelNumber { return &n }

	res := s.handle(t, s.longTermRequest(t, proto.MethodChannelBind, func(m *proto.Message) {
		m.ChannelNumber = channel(0x4000)
	}))
	assert.Equal(t, proto.CodeBadRequest, errorCode(t, res), "missing peer address")
	_, ok := a.ChannelNumber(peer)
	assert.False(t, ok)

	res = s.handle(t, s.longTermRequest(t, proto.MethodChannelBind, func(m *proto.Message) {
		m.PeerAddresses = []netip.AddrPort{peer}
	}))
	assert.Equal(t, proto.CodeBadRequest, errorCode(t, res), "missing channel number")

	res = s.handle(t, s.longTermRequest(t, proto.MethodChannelBind, func(m *proto.Message) {
		m.PeerAddresses = []netip.AddrPort{peer}
		m.ChannelNumber = channel(0x4000)
	}))
	require.Equal(t, proto.ClassSuccessResponse, res.Class)
	assert.NoError(t, res.CheckIntegrity(testKey))
	n, ok := a.ChannelNumber(peer)
	assert.True(t, ok)
	assert.Equal(t, proto.ChannelNumber(0x4000), n)

	res = s.handle(t, s.longTermRequest(t, proto.MethodChannelBind, func(m *proto.Message) {
		m.PeerAddresses = []netip.AddrPort{netip.MustParseAddrPort("203.0.113.5:5000")}
		m.ChannelNumber = channel(0x4000)
	}))
	assert.Equal(t, proto.CodeBadRequest, errorCode(t, res), "channel bound to another peer")

	res = s.handle(t, s.longTermRequest(t, proto.MethodChannelBind, func(m *proto.Message) {
		m.PeerAddresses = []netip.AddrPort{peer}
		m.ChannelNumber = channel(0x3000)
	}))
	assert.Equal(t, proto.CodeBadRequest, errorCode(t, res), "invalid channel number")
}

func TestDataPath(t *testing.T) {
	s := newTestServer(t, testOptions{})
	res := s.handle(t, receive(t, proto.New(proto.ClassRequest, proto.MethodAllocate), nil))
	require.Equal(t, proto.ClassSuccessResponse, res.Class)
	relayPort := res.RelayedAddress.Port()
	relay := s.binder.relays[relayPort]
	peer := netip.MustParseAddrPort("203.0.113.4:5000")

	// Peer data before any permission is dropped.
	s.dispatcher.HandlePeerData(relayPort, peer, []byte("early"))
	assert.Empty(t, s.sender.sent)

	send := proto.New(proto.ClassIndication, proto.MethodSend)
	send.PeerAddresses = []netip.AddrPort{peer}
	send.Data = []byte("hello")
	out := s.dispatcher.HandleMessage(receive(t, send, nil), clientTuple, false)
	assert.Equal(t, DispositionNone, out.Disposition, "indications are never answered")
	require.Len(t, relay.writes, 1)
	assert.Equal(t, relayWrite{peer: peer, data: []byte("hello")}, relay.writes[0])

	s.dispatcher.HandlePeerData(relayPort, peer, []byte("reply"))
	require.Len(t, s.sender.sent, 1)
	assert.Equal(t, clientTuple, s.sender.sent[0].to)
	ind, err := proto.Decode(s.sender.sent[0].b)
	require.NoError(t, err)
	assert.Equal(t, proto.MethodData, ind.Method)
	assert.Equal(t, []byte("reply"), ind.Data)
	require.NotNil(t, ind.ChannelNumber)

	confirm := proto.New(proto.ClassIndication, proto.MethodChannelConfirmation)
	confirm.PeerAddresses = []netip.AddrPort{peer}
	confirm.ChannelNumber = ind.ChannelNumber
	s.dispatcher.HandleMessage(receive(t, confirm, nil), clientTuple, false)

	s.dispatcher.HandlePeerData(relayPort, peer, []byte("framed"))
	require.Len(t, s.sender.sent, 2)
	cd, err := proto.DecodeChannelData(s.sender.sent[1].b)
	require.NoError(t, err)
	assert.Equal(t, *ind.ChannelNumber, cd.Number)
	assert.Equal(t, []byte("framed"), cd.Data)

	bind := proto.New(proto.ClassRequest, proto.MethodChannelBind)
	bind.PeerAddresses = []netip.AddrPort{peer}
	n := proto.ChannelNumber(0x4123)
	bind.ChannelNumber = &n
	require.Equal(t, proto.ClassSuccessResponse, s.handle(t, receive(t, bind, nil)).Class)

	s.dispatcher.HandleChannelData(&proto.ChannelData{Number: 0x4123, Data: []byte("via channel")}, clientTuple)
	require.Len(t, relay.writes, 2)
	assert.Equal(t, []byte("via channel"), relay.writes[1].data)

	s.dispatcher.HandleChannelData(&proto.ChannelData{Number: 0x4124, Data: []byte("unbound")}, clientTuple)
	assert.Len(t, relay.writes, 2)

	// Unknown allocations are ignored.
	s.dispatcher.HandlePeerData(relayPort+1, peer, []byte("x"))
	other := allocation.NewFiveTuple(allocation.UDP, netip.MustParseAddrPort("198.51.100.99:1"), clientTuple.DstAddr)
	s.dispatcher.HandleChannelData(&proto.ChannelData{Number: 0x4123, Data: []byte("x")}, other)
	assert.Len(t, relay.writes, 2)
	assert.Len(t, s.sender.sent, 2)
}

func TestSendIndicationKeepalive(t *testing.T) {
	s := newTestServer(t, testOptions{})
	s.handle(t, receive(t, proto.New(proto.ClassRequest, proto.MethodAllocate), nil))
	a := s.manager.GetAllocation(clientTuple)
	peer := netip.MustParseAddrPort("203.0.113.4:5000")

	send := proto.New(proto.ClassIndication, proto.MethodSend)
	send.PeerAddresses = []netip.AddrPort{peer}
	s.dispatcher.HandleMessage(receive(t, send, nil), clientTuple, false)

	assert.True(t, a.ExistsPermission(peer.Addr()))
	assert.Empty(t, s.binder.relays[a.RelayAddr().Port()].writes)
}

func TestTransportClosed(t *testing.T) {
	s := newTestServer(t, testOptions{})
	s.handle(t, receive(t, proto.New(proto.ClassRequest, proto.MethodAllocate), nil))
	require.Equal(t, 1, s.manager.AllocationCount())

	s.dispatcher.TransportClosed(clientTuple)
	assert.Zero(t, s.manager.AllocationCount())
}

func TestResponsePolicy(t *testing.T) {
	s := newTestServer(t, testOptions{dispatcher: func(c *Config) { c.Software = "returnd" }})

	req := proto.New(proto.ClassRequest, proto.MethodBinding)
	req.AddFingerprint = true
	res := s.handle(t, receive(t, req, nil))
	require.NotNil(t, res.Software)
	assert.Equal(t, "returnd", *res.Software)
	assert.NotNil(t, res.Fingerprint, "fingerprint is echoed")
	assert.NoError(t, res.CheckFingerprint())

	res = s.handle(t, receive(t, proto.New(proto.ClassRequest, proto.MethodBinding), nil))
	assert.Nil(t, res.Fingerprint)
}

func TestIgnoredMessages(t *testing.T) {
	s := newTestServer(t, testOptions{})

	for _, m := range []*proto.Message{
		proto.New(proto.ClassSuccessResponse, proto.MethodBinding),
		proto.New(proto.ClassErrorResponse, proto.MethodAllocate),
		proto.New(proto.ClassIndication, proto.MethodData),
		proto.New(proto.ClassIndication, proto.MethodSend),
	} {
		out := s.dispatcher.HandleMessage(receive(t, m, nil), clientTuple, false)
		assert.Equal(t, DispositionNone, out.Disposition, m.String())
	}

	res := s.handle(t, receive(t, proto.New(proto.ClassRequest, proto.MethodData), nil))
	assert.Equal(t, proto.CodeBadRequest, errorCode(t, res))
}

func TestBadFingerprintIsDropped(t *testing.T) {
	s := newTestServer(t, testOptions{})

	req := proto.New(proto.ClassRequest, proto.MethodBinding)
	req.AddFingerprint = true
	b, err := proto.Encode(req, false)
	require.NoError(t, err)
	b[len(b)-1] ^= 0xFF
	m, err := proto.Decode(b)
	require.NoError(t, err)

	out := s.dispatcher.HandleMessage(m, clientTuple, false)
	assert.Equal(t, DispositionNone, out.Disposition)
}

func TestHandleDecodeError(t *testing.T) {
	s := newTestServer(t, testOptions{})
	req := proto.New(proto.ClassRequest, proto.MethodAllocate)

	out := s.dispatcher.HandleDecodeError(&proto.UnknownAttributesError{
		Types:   []proto.AttrType{0x0030},
		Message: req,
	}, clientTuple)
	res := wire(t, out)
	assert.Equal(t, proto.CodeUnknownAttribute, errorCode(t, res))
	assert.Equal(t, []proto.AttrType{0x0030}, res.UnknownAttributes)
	assert.Equal(t, req.TransactionID, res.TransactionID)

	out = s.dispatcher.HandleDecodeError(proto.ErrTruncated, clientTuple)
	assert.Equal(t, DispositionNone, out.Disposition)

	out = s.dispatcher.HandleDecodeError(&proto.UnknownAttributesError{
		Types:   []proto.AttrType{0x0030},
		Message: proto.New(proto.ClassIndication, proto.MethodSend),
	}, clientTuple)
	assert.Equal(t, DispositionNone, out.Disposition)
}

func TestDispositionString(t *testing.T) {
	assert.Equal(t, "respond-alternate", DispositionRespondAlternate.String())
	assert.Equal(t, "unknown", Disposition(9).String())
}
