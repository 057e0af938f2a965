package peer

import (
	"fmt"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/mr-tron/base58"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"
)

// BootstrapAddress is a known peer used to seed the routing table at
// startup.
type BootstrapAddress struct {
	PeerID string
	Addr   multiaddr.Multiaddr
}

func (b BootstrapAddress) String() string {
	if b.Addr == nil {
		return b.PeerID
	}
	return b.PeerID + ":" + b.Addr.String()
}

// AddrInfo converts b into the form the libp2p stack dials. It fails when the
// peer id is not a decodable libp2p peer id.
func (b BootstrapAddress) AddrInfo() (peer.AddrInfo, error) {
	id, err := peer.Decode(b.PeerID)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("invalid peer id %q: %w", b.PeerID, err)
	}
	return peer.AddrInfo{ID: id, Addrs: []multiaddr.Multiaddr{b.Addr}}, nil
}

// ParseBootstrapAddress parses "<peer-id>:<multiaddr>". A string starting with
// "/" is accepted as a full "/.../p2p/<peer-id>" multiaddr.
func ParseBootstrapAddress(s string) (BootstrapAddress, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "/") {
		return parseP2PAddr(s)
	}

	// peer ids never contain a colon; ip6 multiaddrs do
	id, addr, found := strings.Cut(s, ":")
	if id == "" {
		return BootstrapAddress{}, &BootstrapParseError{Input: s, Part: "peer id", Err: ErrMissingPeerID}
	}
	if err := validatePeerID(id); err != nil {
		return BootstrapAddress{}, &BootstrapParseError{Input: s, Part: "peer id", Err: err}
	}
	if !found || addr == "" {
		return BootstrapAddress{}, &BootstrapParseError{Input: s, Part: "address", Err: ErrMissingAddress}
	}
	ma, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return BootstrapAddress{}, &BootstrapParseError{Input: s, Part: "address", Err: err}
	}
	return BootstrapAddress{PeerID: id, Addr: ma}, nil
}

// ParseBootstrapAddresses parses every entry. Malformed entries are skipped
// and reported together in the returned error; the caller decides whether to
// proceed with fewer seed peers.
func ParseBootstrapAddresses(entries []string) ([]BootstrapAddress, error) {
	var (
		out  []BootstrapAddress
		errs error
	)
	for _, entry := range entries {
		b, err := ParseBootstrapAddress(entry)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		out = append(out, b)
	}
	return out, errs
}

func parseP2PAddr(s string) (BootstrapAddress, error) {
	ma, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return BootstrapAddress{}, &BootstrapParseError{Input: s, Part: "address", Err: err}
	}
	info, err := peer.AddrInfoFromP2pAddr(ma)
	if err != nil {
		return BootstrapAddress{}, &BootstrapParseError{Input: s, Part: "peer id", Err: err}
	}
	if len(info.Addrs) == 0 {
		return BootstrapAddress{}, &BootstrapParseError{Input: s, Part: "address", Err: ErrMissingAddress}
	}
	return BootstrapAddress{PeerID: info.ID.String(), Addr: info.Addrs[0]}, nil
}

// validatePeerID accepts legacy base58 multihash ids and CID-encoded ids.
func validatePeerID(id string) error {
	if _, err := base58.Decode(id); err == nil {
		return nil
	}
	if _, err := peer.Decode(id); err != nil {
		return fmt.Errorf("not a base58 or CID peer id: %w", err)
	}
	return nil
}
