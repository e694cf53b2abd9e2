package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_msrhub._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultInstance names the advertised hub.
	DefaultInstance = "msr-hub"
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)

// Config controls mDNS advertisement of the hub's device port. Capture
// devices browse for the service instead of being configured with the
// hub's address by hand.
type Config struct {
	Service  string
	Domain   string
	Instance string
	Version  int

	// DevicePort is the TCP port the device server listens on.
	DevicePort int

	registerFn registerFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Instance == "" {
		out.Instance = DefaultInstance
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Instance) == "" {
		return errors.New("instance name is required")
	}
	if c.DevicePort <= 0 {
		return errors.New("device port must be > 0")
	}
	return nil
}

// Broadcaster advertises the hub's device port via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts the mDNS advertisement.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	txt := []string{
		"version=" + strconv.Itoa(cfg.Version),
		"port=" + strconv.Itoa(cfg.DevicePort),
	}

	server, err := cfg.registerFn(cfg.Instance, cfg.Service, cfg.Domain, cfg.DevicePort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Broadcaster{server: server}, nil
}

// Stop stops the mDNS advertisement.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}
