package peer

import (
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultListenAddr listens on every interface with an OS-assigned port.
	DefaultListenAddr = "/ip4/0.0.0.0/tcp/0"

	// DefaultMaxMessageSize matches the GossipSub default.
	DefaultMaxMessageSize = 1 << 20
)

// Config configures a Peer.
type Config struct {
	// ListenAddrs are multiaddrs to listen on.
	ListenAddrs []string
	// Bootstrap seeds the routing table at startup.
	Bootstrap []BootstrapAddress
	// DataDir persists the peer identity. Empty means an ephemeral identity.
	DataDir string

	EnableMDNS       bool
	EnableRendezvous bool
	EnableNAT        bool

	// EventBufferSize is how far a listener may lag before losing events.
	EventBufferSize int
	// MaxMessageSize bounds encoded chat messages.
	MaxMessageSize int
	// Sealed encrypts message text with the room key.
	Sealed bool

	Clock      clock.Clock
	Registerer prometheus.Registerer
}

// DefaultConfig returns the configuration used by the CLI when no flags are
// given.
func DefaultConfig() Config {
	return Config{
		ListenAddrs:      []string{DefaultListenAddr},
		EnableMDNS:       true,
		EnableRendezvous: true,
		EnableNAT:        true,
		EventBufferSize:  DefaultEventBufferSize,
		MaxMessageSize:   DefaultMaxMessageSize,
	}
}

func (c Config) withDefaults() Config {
	if len(c.ListenAddrs) == 0 {
		c.ListenAddrs = []string{DefaultListenAddr}
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = DefaultEventBufferSize
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}

func (c Config) validate() error {
	for _, addr := range c.ListenAddrs {
		if _, err := multiaddr.NewMultiaddr(addr); err != nil {
			return &SetupError{Op: "parse listen address", Err: fmt.Errorf("%q: %w", addr, err)}
		}
	}
	for _, b := range c.Bootstrap {
		if b.Addr == nil {
			return &SetupError{Op: "bootstrap", Err: fmt.Errorf("%s: %w", b.PeerID, ErrMissingAddress)}
		}
	}
	return nil
}
