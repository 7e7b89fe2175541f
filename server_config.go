// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package turn

import (
	"net"
	"net/netip"
	"time"

	"github.com/pion/logging"
	"github.com/pion/returnd/internal/allocation"
	"github.com/pion/returnd/internal/auth"
	"github.com/pion/returnd/internal/ipnet"
	"github.com/pion/transport/v3"
)

// AuthMode selects how requests are authenticated.
type AuthMode int

const (
	// AuthModeLongTerm uses realm scoped credentials and nonces.
	AuthModeLongTerm AuthMode = iota
	// AuthModeShortTerm uses the password itself as the integrity key.
	AuthModeShortTerm
	// AuthModeNone accepts every request.
	AuthModeNone
)

func (m AuthMode) mode() auth.Mode {
	switch m {
	case AuthModeShortTerm:
		return auth.ModeShortTerm
	case AuthModeNone:
		return auth.ModeNone
	default:
		return auth.ModeLongTerm
	}
}

// AuthHandler is a callback used to handle incoming auth requests, allowing
// users to customize the server with custom behavior. It returns the integrity
// key of username: GenerateAuthKey(username, realm, password) in long-term
// mode and the raw password bytes in short-term mode.
type AuthHandler func(username, realm string, srcAddr net.Addr) (key []byte, ok bool)

func (h AuthHandler) handler() auth.AuthHandler {
	if h == nil {
		return nil
	}

	return func(ra *auth.RequestAttributes) ([]byte, bool) {
		return h(ra.Username, ra.Realm, ipnet.UDPAddr(ra.SrcAddr))
	}
}

// EventHandler is a set of callbacks invoked on the dispatch goroutine at
// allocation lifecycle hook points.
type EventHandler = allocation.EventHandler

// PacketConnConfig is a single net.PacketConn to listen/write on. This will
// be used for UDP listeners.
type PacketConnConfig struct {
	PacketConn net.PacketConn
}

// ListenerConfig is a single net.Listener to accept connections on. This
// will be used for TCP and TLS listeners; connections that are a *tls.Conn
// count as secure transports.
type ListenerConfig struct {
	Listener net.Listener
}

// RelayConfig describes where relay sockets are opened.
type RelayConfig struct {
	// RelayAddress is the IP returned to the user when the relay is created.
	RelayAddress net.IP
	// Address is the local IP relay sockets are bound to.
	Address string
	// MinPort and MaxPort bound the relay ports. They default to 49152 and
	// 65535.
	MinPort, MaxPort uint16
	// Net opens the relay sockets. When nil the operating system network is
	// used with SO_REUSEADDR set.
	Net transport.Net
}

// LegacyConfig enables RFC 3489 NAT classification. The server must be
// given a PacketConn for each of the four combinations of the primary and
// alternate IPs and ports.
type LegacyConfig struct {
	PrimaryAddr   netip.AddrPort
	AlternateAddr netip.AddrPort
}

// ServerConfig configures the Pion TURN Server
type ServerConfig struct {
	// PacketConnConfigs and ListenerConfigs are a list of all the turn listeners
	// Each listener can have custom behavior around the creation of Relays
	PacketConnConfigs []PacketConnConfig
	ListenerConfigs   []ListenerConfig

	// Relay configures relay sockets.
	Relay RelayConfig

	// LoggerFactory must be set for logging from this server.
	LoggerFactory logging.LoggerFactory

	// AuthMode defaults to AuthModeLongTerm.
	AuthMode AuthMode
	// Realm sets the realm for this server
	Realm string
	// AuthHandler is a callback used to handle incoming auth requests.
	AuthHandler AuthHandler
	// SharedSecrets enables the Shared Secret request on TLS listeners.
	// Issued credentials are accepted without an AuthHandler entry.
	SharedSecrets bool
	// SharedSecretLifetime defaults to 30 minutes.
	SharedSecretLifetime time.Duration
	// NonceLifetime defaults to one hour.
	NonceLifetime time.Duration

	// Software is sent in every response when set.
	Software string
	// DefaultLifetime and MaxLifetime bound allocation lifetimes. They
	// default to 10 minutes and one hour.
	DefaultLifetime time.Duration
	MaxLifetime     time.Duration
	// Bandwidth in kbit/s defaults to 100.
	Bandwidth uint32

	// PermissionTimeout sets the inactivity timeout of permissions.
	PermissionTimeout time.Duration
	// ChannelBindTimeout sets the lifetime of channel binding.
	ChannelBindTimeout time.Duration
	// MaxAllocationsPerUser limits live allocations per username.
	MaxAllocationsPerUser int

	// Legacy enables NAT classification.
	Legacy *LegacyConfig

	// EventHandler is a set of callbacks for tracking allocation lifecycle.
	EventHandler EventHandler
}

const (
	defaultMinRelayPort uint16 = 49152
	defaultMaxRelayPort uint16 = 65535
)

func (c *ServerConfig) validate() error {
	switch {
	case len(c.PacketConnConfigs) == 0 && len(c.ListenerConfigs) == 0:
		return errNoAvailableConns
	case c.Relay.RelayAddress == nil:
		return errRelayAddressInvalid
	case c.Relay.Address == "":
		return errListeningAddressInvalid
	case c.AuthMode != AuthModeNone && c.AuthHandler == nil && !c.SharedSecrets:
		return errNoAuthHandler
	case c.AuthMode == AuthModeLongTerm && c.Realm == "":
		return errRealmMustBeSet
	}

	for _, p := range c.PacketConnConfigs {
		if p.PacketConn == nil {
			return errNilConn
		}
	}
	for _, l := range c.ListenerConfigs {
		if l.Listener == nil {
			return errNilConn
		}
	}

	return nil
}
