// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/pion/logging"
	turn "github.com/pion/returnd"
	"github.com/pion/transport/v3"
	"gopkg.in/yaml.v3"
)

var (
	errNoListeners   = errors.New("returnd: no listen addresses configured")
	errNoTLSCert     = errors.New("returnd: tls listeners need tls.cert and tls.key")
	errUnknownMode   = errors.New("returnd: unknown auth_mode")
	errUnknownLevel  = errors.New("returnd: unknown log_level")
	errNoPublicIP    = errors.New("returnd: relay.public_ip is not set and no interface address was found")
	errInvalidLegacy = errors.New("returnd: legacy.primary and legacy.alternate must differ in both IP and port")
)

// Config is the YAML configuration file.
type Config struct {
	Realm    string `yaml:"realm"`
	AuthMode string `yaml:"auth_mode"`
	Software string `yaml:"software"`
	LogLevel string `yaml:"log_level"`

	Listen struct {
		UDP []string `yaml:"udp"`
		TCP []string `yaml:"tcp"`
		TLS []string `yaml:"tls"`
	} `yaml:"listen"`

	TLS struct {
		Cert string `yaml:"cert"`
		Key  string `yaml:"key"`
	} `yaml:"tls"`

	Relay struct {
		PublicIP string `yaml:"public_ip"`
		Address  string `yaml:"address"`
		MinPort  uint16 `yaml:"min_port"`
		MaxPort  uint16 `yaml:"max_port"`
	} `yaml:"relay"`

	UsersFile     string `yaml:"users_file"`
	SharedSecrets bool   `yaml:"shared_secrets"`

	Lifetime struct {
		Default time.Duration `yaml:"default"`
		Max     time.Duration `yaml:"max"`
	} `yaml:"lifetime"`
	NonceLifetime         time.Duration `yaml:"nonce_lifetime"`
	PermissionTimeout     time.Duration `yaml:"permission_timeout"`
	ChannelBindTimeout    time.Duration `yaml:"channel_bind_timeout"`
	Bandwidth             uint32        `yaml:"bandwidth"`
	MaxAllocationsPerUser int           `yaml:"max_allocations_per_user"`

	Legacy *struct {
		Primary   string `yaml:"primary"`
		Alternate string `yaml:"alternate"`
	} `yaml:"legacy"`
}

func loadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, err
	}

	return parseConfig(b)
}

func parseConfig(b []byte) (*Config, error) {
	c := &Config{Realm: "pion.ly", AuthMode: "long-term", LogLevel: "info"}
	c.Relay.Address = "0.0.0.0"

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return nil, fmt.Errorf("returnd: parse config: %w", err)
	}

	if len(c.Listen.UDP)+len(c.Listen.TCP)+len(c.Listen.TLS) == 0 && c.Legacy == nil {
		return nil, errNoListeners
	}
	if len(c.Listen.TLS) > 0 && (c.TLS.Cert == "" || c.TLS.Key == "") {
		return nil, errNoTLSCert
	}
	if _, err := c.authMode(); err != nil {
		return nil, err
	}
	if _, err := c.logLevel(); err != nil {
		return nil, err
	}
	if _, err := c.legacy(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) authMode() (turn.AuthMode, error) {
	switch strings.ToLower(c.AuthMode) {
	case "long-term", "":
		return turn.AuthModeLongTerm, nil
	case "short-term":
		return turn.AuthModeShortTerm, nil
	case "none":
		return turn.AuthModeNone, nil
	default:
		return 0, fmt.Errorf("%w: %q", errUnknownMode, c.AuthMode)
	}
}

func (c *Config) logLevel() (logging.LogLevel, error) {
	switch strings.ToLower(c.LogLevel) {
	case "disabled":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn":
		return logging.LogLevelWarn, nil
	case "info", "":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	default:
		return 0, fmt.Errorf("%w: %q", errUnknownLevel, c.LogLevel)
	}
}

func (c *Config) legacy() (*turn.LegacyConfig, error) {
	if c.Legacy == nil {
		return nil, nil //nolint:nilnil
	}

	primary, err := netip.ParseAddrPort(c.Legacy.Primary)
	if err != nil {
		return nil, fmt.Errorf("returnd: legacy.primary: %w", err)
	}
	alternate, err := netip.ParseAddrPort(c.Legacy.Alternate)
	if err != nil {
		return nil, fmt.Errorf("returnd: legacy.alternate: %w", err)
	}
	if primary.Addr() == alternate.Addr() || primary.Port() == alternate.Port() {
		return nil, errInvalidLegacy
	}

	return &turn.LegacyConfig{PrimaryAddr: primary, AlternateAddr: alternate}, nil
}

// udpAddresses returns the UDP listen addresses. In legacy mode the four
// combinations of the primary and alternate IPs and ports are added.
func (c *Config) udpAddresses() []string {
	addrs := append([]string(nil), c.Listen.UDP...)
	legacy, _ := c.legacy()
	if legacy == nil {
		return addrs
	}

	seen := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		seen[a] = true
	}
	for _, ip := range []netip.Addr{legacy.PrimaryAddr.Addr(), legacy.AlternateAddr.Addr()} {
		for _, port := range []uint16{legacy.PrimaryAddr.Port(), legacy.AlternateAddr.Port()} {
			a := netip.AddrPortFrom(ip, port).String()
			if !seen[a] {
				seen[a] = true
				addrs = append(addrs, a)
			}
		}
	}

	return addrs
}

// relayIP returns the configured public IP, or the first global unicast
// IPv4 address of the host.
func (c *Config) relayIP(nw transport.Net) (net.IP, error) {
	if c.Relay.PublicIP != "" {
		ip := net.ParseIP(c.Relay.PublicIP)
		if ip == nil {
			return nil, fmt.Errorf("returnd: relay.public_ip %q is not an IP", c.Relay.PublicIP)
		}

		return ip, nil
	}

	ifaces, err := nw.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if ok && ipNet.IP.To4() != nil && ipNet.IP.IsGlobalUnicast() {
				return ipNet.IP, nil
			}
		}
	}

	return nil, errNoPublicIP
}

// serverConfig fills everything but listeners and the auth handler.
func (c *Config) serverConfig(nw transport.Net, loggerFactory logging.LoggerFactory) (turn.ServerConfig, error) {
	relayIP, err := c.relayIP(nw)
	if err != nil {
		return turn.ServerConfig{}, err
	}
	mode, _ := c.authMode()
	legacy, _ := c.legacy()

	return turn.ServerConfig{
		Relay: turn.RelayConfig{
			RelayAddress: relayIP,
			Address:      c.Relay.Address,
			MinPort:      c.Relay.MinPort,
			MaxPort:      c.Relay.MaxPort,
		},
		LoggerFactory:         loggerFactory,
		AuthMode:              mode,
		Realm:                 c.Realm,
		SharedSecrets:         c.SharedSecrets,
		NonceLifetime:         c.NonceLifetime,
		Software:              c.Software,
		DefaultLifetime:       c.Lifetime.Default,
		MaxLifetime:           c.Lifetime.Max,
		Bandwidth:             c.Bandwidth,
		PermissionTimeout:     c.PermissionTimeout,
		ChannelBindTimeout:    c.ChannelBindTimeout,
		MaxAllocationsPerUser: c.MaxAllocationsPerUser,
		Legacy:                legacy,
	}, nil
}

// network picks the IPv4 or IPv6 flavour of base for a listen address.
func network(base, address string) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return base
	}
	if ip, err := netip.ParseAddr(host); err == nil && ip.Is6() && !ip.Is4In6() {
		return base + "6"
	}

	return base + "4"
}
