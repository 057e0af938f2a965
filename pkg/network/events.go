// Package network defines the occurrences a network endpoint surfaces to the
// peer actor. The set is closed; endpoints add variants by extension and
// consumers ignore variants they do not know.
package network

import (
	"github.com/libp2p/go-libp2p/core/peer"
)

// Event is one occurrence reported by a network endpoint.
type Event interface {
	networkEvent()
}

// PeerDiscovered reports a remote peer that became reachable, either on the
// local network (mDNS) or through rendezvous discovery.
type PeerDiscovered struct {
	Peer   peer.AddrInfo
	Source string
}

// MessageDelivered carries a pub/sub message received on a subscribed topic.
type MessageDelivered struct {
	ID    string
	Topic string
	From  peer.ID
	Data  []byte
}

// MembershipChanged reports a remote peer joining or leaving a topic we
// follow.
type MembershipChanged struct {
	Peer   peer.ID
	Topic  string
	Joined bool
}

func (PeerDiscovered) networkEvent()    {}
func (MessageDelivered) networkEvent()  {}
func (MembershipChanged) networkEvent() {}
