package libp2p

import (
	"context"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	discovery "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/util"

	"github.com/baderanaas/roomchat/pkg/network"
)

// mdnsNotifee turns mDNS answers into discovery events.
type mdnsNotifee struct {
	e *Endpoint
}

func (n mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.e.host.ID() {
		return
	}
	n.e.emit(n.e.ctx, network.PeerDiscovered{Peer: pi, Source: "mdns"})
}

// AddAddress records a reachable peer in the peerstore and the DHT routing
// table and dials it in the background.
func (e *Endpoint) AddAddress(pi peer.AddrInfo) {
	if pi.ID == e.host.ID() || len(pi.Addrs) == 0 {
		return
	}
	e.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.AddressTTL)
	if e.dht != nil {
		if _, err := e.dht.RoutingTable().TryAddPeer(pi.ID, true, false); err != nil {
			log.Debugw("routing table rejected peer", "peer", pi.ID, "err", err)
		}
	}
	e.connectAsync(pi)
}

func (e *Endpoint) connectAsync(pi peer.AddrInfo) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(e.ctx, connectTimeout)
		defer cancel()
		if err := e.host.Connect(ctx, pi); err != nil {
			log.Debugw("failed to connect to peer", "peer", pi.ID, "err", err)
			return
		}
		log.Debugw("connected to peer", "peer", pi.ID)
	}()
}

// discoverTopicPeers advertises topic under its rendezvous key and keeps
// looking up other peers advertising it.
func (e *Endpoint) discoverTopicPeers(ctx context.Context, topic string) {
	defer e.wg.Done()
	if e.dht == nil {
		return
	}

	key := rendezvousKey(topic)
	rd := discovery.NewRoutingDiscovery(e.dht)
	util.Advertise(ctx, rd, key)

	findPeers := func() {
		peerChan, err := rd.FindPeers(ctx, key)
		if err != nil {
			log.Debugw("rendezvous lookup failed", "topic", topic, "err", err)
			return
		}
		for p := range peerChan {
			if p.ID == e.host.ID() || len(p.Addrs) == 0 {
				continue
			}
			e.emit(ctx, network.PeerDiscovered{Peer: p, Source: "rendezvous:" + topic})
		}
	}

	findPeers()
	ticker := time.NewTicker(rendezvousInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			findPeers()
		}
	}
}
