// Package config loads the tunnel daemon's configuration using koanf/v2
// with a bespoke Parser (internal/config/inicfg) for the namespaced
// INI-style DSL described in spec §6.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/eantcal/acsgwd/internal/config/inicfg"
)

// DefaultPort is the default bearer port (spec §6). The SIP port has its
// own default, sip.DefaultPort.
const DefaultPort = 28774

var (
	// ErrEmptyTunnelList is returned when [tunnels] list is empty.
	ErrEmptyTunnelList = errors.New("config: [tunnels] list is empty")

	// ErrUnknownBearerType is returned for a type not in {gre,udp,tcp}.
	ErrUnknownBearerType = errors.New("config: unknown bearer type")

	// ErrMissingTunnelSection is returned when a name in [tunnels] list has
	// no matching [<name>] section.
	ErrMissingTunnelSection = errors.New("config: tunnel section not found")

	// ErrMissingBearerSection is returned when a tunnel's bearers list
	// names a section that does not exist.
	ErrMissingBearerSection = errors.New("config: bearer section not found")

	// ErrInvalidPort is returned for a port outside 1..65535.
	ErrInvalidPort = errors.New("config: port out of range")
)

// BearerType is the wire protocol used by a bearer.
type BearerType string

// Recognized bearer types (spec §6).
const (
	BearerGRE BearerType = "gre"
	BearerUDP BearerType = "udp"
	BearerTCP BearerType = "tcp"
)

// BearerConfig is one [<bearer-name>] section.
type BearerConfig struct {
	Name          string
	Type          BearerType
	LocalAddress  netip.Addr
	RemoteAddress netip.Addr
	Port          int
}

// TunnelConfig is one [<tunnel-name>] section.
type TunnelConfig struct {
	Name    string
	Bearers []BearerConfig
}

// LogicalAddressRangeConfig is the [logical_address_range] section.
type LogicalAddressRangeConfig struct {
	FirstIP netip.Addr
	LastIP  netip.Addr
	TTL     time.Duration
}

// SIPConfig is the [sip] section.
type SIPConfig struct {
	LocalAddress  netip.Addr
	RemoteAddress netip.Addr
	LocalPort     int
	RemotePort    int
}

// DNSConfig is the [dns] section: the hosts file path plus any raw
// key=value lines to prepend to it verbatim (spec §6, SUPPLEMENTED
// FEATURES in SPEC_FULL.md).
type DNSConfig struct {
	HostsPath string
	Prelude   []string
}

// Config is the fully resolved daemon configuration.
type Config struct {
	Tunnels             []TunnelConfig
	LogicalAddressRange LogicalAddressRangeConfig
	SIP                 SIPConfig
	DNS                 DNSConfig
}

// Load reads and resolves the configuration file at path.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), inicfg.New()); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}

	cfg := &Config{}

	names, err := splitList(k.String("tunnels.list"))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if len(names) == 0 {
		return nil, ErrEmptyTunnelList
	}

	for _, name := range names {
		tc, err := loadTunnel(k, name)
		if err != nil {
			return nil, err
		}
		cfg.Tunnels = append(cfg.Tunnels, tc)
	}

	if k.Exists("logical_address_range.first_ip") {
		lr, err := loadLogicalAddressRange(k)
		if err != nil {
			return nil, err
		}
		cfg.LogicalAddressRange = lr
	}

	if k.Exists("sip.local_port") {
		cfg.SIP = loadSIP(k)
	}

	cfg.DNS = loadDNS(k)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", path, err)
	}
	return cfg, nil
}

func loadTunnel(k *koanf.Koanf, name string) (TunnelConfig, error) {
	if !k.Exists(name + ".bearers") {
		return TunnelConfig{}, fmt.Errorf("%w: %s", ErrMissingTunnelSection, name)
	}

	bearerNames, err := splitList(k.String(name + ".bearers"))
	if err != nil {
		return TunnelConfig{}, fmt.Errorf("tunnel %s: %w", name, err)
	}

	tc := TunnelConfig{Name: name}
	for _, bn := range bearerNames {
		bc, err := loadBearer(k, name, bn)
		if err != nil {
			return TunnelConfig{}, err
		}
		tc.Bearers = append(tc.Bearers, bc)
	}
	return tc, nil
}

func loadBearer(k *koanf.Koanf, tunnelName, bearerName string) (BearerConfig, error) {
	if !k.Exists(bearerName + ".local_address") {
		return BearerConfig{}, fmt.Errorf("tunnel %s: %w: %s", tunnelName, ErrMissingBearerSection, bearerName)
	}

	typ := BearerType(k.String(bearerName + ".type"))
	if typ == "" {
		typ = BearerType(k.String(tunnelName + ".type"))
	}
	switch typ {
	case BearerGRE, BearerUDP, BearerTCP:
	default:
		return BearerConfig{}, fmt.Errorf("bearer %s: %w: %q", bearerName, ErrUnknownBearerType, typ)
	}

	local, err := parseAddr(k.String(bearerName + ".local_address"))
	if err != nil {
		return BearerConfig{}, fmt.Errorf("bearer %s: local_address: %w", bearerName, err)
	}
	remote, err := parseAddr(k.String(bearerName + ".remote_address"))
	if err != nil {
		return BearerConfig{}, fmt.Errorf("bearer %s: remote_address: %w", bearerName, err)
	}

	port := DefaultPort
	if k.Exists(bearerName + ".port") {
		port = k.Int(bearerName + ".port")
	} else if k.Exists(tunnelName + ".port") {
		port = k.Int(tunnelName + ".port")
	}
	if port < 1 || port > 65535 {
		return BearerConfig{}, fmt.Errorf("bearer %s: %w: %d", bearerName, ErrInvalidPort, port)
	}

	return BearerConfig{
		Name:          bearerName,
		Type:          typ,
		LocalAddress:  local,
		RemoteAddress: remote,
		Port:          port,
	}, nil
}

func loadLogicalAddressRange(k *koanf.Koanf) (LogicalAddressRangeConfig, error) {
	first, err := parseAddr(k.String("logical_address_range.first_ip"))
	if err != nil {
		return LogicalAddressRangeConfig{}, fmt.Errorf("logical_address_range.first_ip: %w", err)
	}
	last, err := parseAddr(k.String("logical_address_range.last_ip"))
	if err != nil {
		return LogicalAddressRangeConfig{}, fmt.Errorf("logical_address_range.last_ip: %w", err)
	}

	ttl := time.Hour
	if k.Exists("logical_address_range.ttl") {
		ttl = time.Duration(k.Int("logical_address_range.ttl")) * time.Second
	}

	return LogicalAddressRangeConfig{FirstIP: first, LastIP: last, TTL: ttl}, nil
}

func loadSIP(k *koanf.Koanf) SIPConfig {
	cfg := SIPConfig{
		LocalPort:  k.Int("sip.local_port"),
		RemotePort: k.Int("sip.remote_port"),
	}
	if a, err := parseAddr(k.String("sip.local_address")); err == nil {
		cfg.LocalAddress = a
	}
	if a, err := parseAddr(k.String("sip.remote_address")); err == nil {
		cfg.RemoteAddress = a
	}
	return cfg
}

func loadDNS(k *koanf.Koanf) DNSConfig {
	cfg := DNSConfig{HostsPath: k.String("dns.hosts")}
	for key, val := range k.Cut("dns").All() {
		if key == "hosts" {
			continue
		}
		cfg.Prelude = append(cfg.Prelude, fmt.Sprintf("%s=%v", key, val))
	}
	return cfg
}

// Validate checks that at least one tunnel is configured and that every
// bearer port lies in 1..65535. It does not check bearer types (Load
// rejects unknown ones while reading each bearer) or the ordering of the
// logical address range.
func Validate(cfg *Config) error {
	if len(cfg.Tunnels) == 0 {
		return ErrEmptyTunnelList
	}
	for _, t := range cfg.Tunnels {
		for _, b := range t.Bearers {
			if b.Port < 1 || b.Port > 65535 {
				return fmt.Errorf("tunnel %s bearer %s: %w: %d", t.Name, b.Name, ErrInvalidPort, b.Port)
			}
		}
	}
	return nil
}

func splitList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out, nil
}

func parseAddr(s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, nil
	}
	return netip.ParseAddr(s)
}
