// Package libp2p implements the chat peer's network endpoint on go-libp2p:
// a host with a Kademlia DHT for routing, GossipSub for rooms, and mDNS plus
// DHT rendezvous for finding other peers.
package libp2p

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/routing"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"github.com/baderanaas/roomchat/pkg/network"
)

var log = logging.Logger("roomchat/libp2p")

// Config configures an Endpoint.
type Config struct {
	ListenAddrs []string
	// Identity is generated when nil.
	Identity  crypto.PrivKey
	Bootstrap []peer.AddrInfo

	EnableMDNS       bool
	EnableRendezvous bool
	EnableNAT        bool

	// MaxMessageSize bounds GossipSub messages; zero keeps the GossipSub
	// default.
	MaxMessageSize int
}

// Endpoint is a libp2p host joined to a GossipSub overlay. Subscribe,
// Unsubscribe, Subscribed, Publish, AddAddress and Close must be called from
// a single goroutine; the topic table is not synchronized.
type Endpoint struct {
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub
	mdns   mdns.Service
	cfg    Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	topics map[string]*joinedTopic

	// mu guards closing events against concurrent emitters.
	mu     sync.RWMutex
	closed bool
	events chan network.Event
}

// NewEndpoint creates the host, DHT and GossipSub router, starts discovery
// and dials the bootstrap peers. Cancelling ctx closes the endpoint's event
// stream.
func NewEndpoint(ctx context.Context, cfg Config) (*Endpoint, error) {
	ctx, cancel := context.WithCancel(ctx)

	if cfg.Identity == nil {
		priv, err := GenerateIdentity()
		if err != nil {
			cancel()
			return nil, err
		}
		cfg.Identity = priv
	}

	cm, err := connmgr.NewConnManager(connLowWater, connHighWater, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	var idht *dht.IpfsDHT
	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(cfg.ListenAddrs...),
		libp2p.Identity(cfg.Identity),
		libp2p.ConnectionManager(cm),
		libp2p.Routing(func(h host.Host) (routing.PeerRouting, error) {
			var err error
			idht, err = dht.New(ctx, h, dht.Mode(dht.ModeServer), dht.BootstrapPeers(cfg.Bootstrap...))
			return idht, err
		}),
	}
	if cfg.EnableNAT {
		opts = append(opts, libp2p.NATPortMap(), libp2p.EnableHolePunching())
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create libp2p host: %w", err)
	}

	psOpts := []pubsub.Option{pubsub.WithMessageIdFn(pubsubMessageID)}
	if cfg.MaxMessageSize > 0 {
		psOpts = append(psOpts, pubsub.WithMaxMessageSize(cfg.MaxMessageSize))
	}
	ps, err := pubsub.NewGossipSub(ctx, h, psOpts...)
	if err != nil {
		cancel()
		return nil, multierr.Append(fmt.Errorf("failed to create pubsub: %w", err), h.Close())
	}

	e := &Endpoint{
		host:   h,
		dht:    idht,
		pubsub: ps,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		topics: make(map[string]*joinedTopic),
		events: make(chan network.Event, eventQueueSize),
	}

	if cfg.EnableMDNS {
		e.mdns = mdns.NewMdnsService(h, ServiceName, mdnsNotifee{e: e})
		if err := e.mdns.Start(); err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("failed to start mDNS discovery: %w", err)
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		<-e.ctx.Done()
		e.closeEvents()
	}()

	e.bootstrap()

	log.Infow("endpoint listening", "id", h.ID(), "addrs", h.Addrs())
	return e, nil
}

// ID returns the host's peer id.
func (e *Endpoint) ID() peer.ID { return e.host.ID() }

// Addrs returns the host's listen addresses.
func (e *Endpoint) Addrs() []multiaddr.Multiaddr { return e.host.Addrs() }

// Events streams discovery, message and membership occurrences. It is closed
// when the endpoint is closed or its context ends.
func (e *Endpoint) Events() <-chan network.Event { return e.events }

// Close leaves every topic and shuts down discovery, the DHT and the host.
func (e *Endpoint) Close() error {
	var errs error
	for name, jt := range e.topics {
		delete(e.topics, name)
		if err := jt.leave(); err != nil && !errors.Is(err, context.Canceled) {
			errs = multierr.Append(errs, fmt.Errorf("leave %q: %w", name, err))
		}
	}

	e.cancel()
	e.closeEvents()

	if e.mdns != nil {
		errs = multierr.Append(errs, e.mdns.Close())
	}
	e.wg.Wait()
	if e.dht != nil {
		errs = multierr.Append(errs, e.dht.Close())
	}
	return multierr.Append(errs, e.host.Close())
}

// emit hands ev to the consumer of Events, giving up when ctx ends. ctx is
// the endpoint's own context or one derived from it, such as a topic's.
func (e *Endpoint) emit(ctx context.Context, ev network.Event) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	case <-ctx.Done():
	}
}

// closeEvents requires ctx to be cancelled first so that blocked emitters
// release mu.
func (e *Endpoint) closeEvents() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.events)
}
