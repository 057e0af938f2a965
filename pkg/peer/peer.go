// Package peer is a decentralized chat peer. A single actor goroutine owns
// the network endpoint; callers talk to it through a command bus and observe
// what happens on the overlay through a broadcast event bus.
package peer

import (
	"context"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/baderanaas/roomchat/pkg/libp2p"
)

var log = logging.Logger("roomchat/peer")

var _ Endpoint = (*libp2p.Endpoint)(nil)

// Peer is the public entry point to a running chat peer.
type Peer struct {
	id     peer.ID
	addrs  []multiaddr.Multiaddr
	bus    *CommandBus
	events *EventBus
	clock  clock.Clock
	cancel context.CancelFunc
	actor  *actor
	done   chan struct{}
}

// New builds a libp2p endpoint from cfg and starts the peer actor. Endpoint
// construction failures are returned as *SetupError.
func New(ctx context.Context, cfg Config) (*Peer, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	identity, err := loadIdentity(cfg.DataDir)
	if err != nil {
		return nil, &SetupError{Op: "load identity", Err: err}
	}

	var seeds []peer.AddrInfo
	for _, b := range cfg.Bootstrap {
		info, err := b.AddrInfo()
		if err != nil {
			log.Warnw("skipping bootstrap peer", "entry", b.String(), "err", err)
			continue
		}
		seeds = append(seeds, info)
	}

	ep, err := libp2p.NewEndpoint(ctx, libp2p.Config{
		ListenAddrs:      cfg.ListenAddrs,
		Identity:         identity,
		Bootstrap:        seeds,
		EnableMDNS:       cfg.EnableMDNS,
		EnableRendezvous: cfg.EnableRendezvous,
		EnableNAT:        cfg.EnableNAT,
		MaxMessageSize:   cfg.MaxMessageSize,
	})
	if err != nil {
		return nil, &SetupError{Op: "create network endpoint", Err: err}
	}

	p, err := NewWithEndpoint(ep, cfg)
	if err != nil {
		_ = ep.Close()
		return nil, err
	}
	return p, nil
}

// NewWithEndpoint starts the peer actor over an existing endpoint. The peer
// takes ownership of ep: nothing else may call it afterwards.
func NewWithEndpoint(ep Endpoint, cfg Config) (*Peer, error) {
	cfg = cfg.withDefaults()

	metrics, err := NewMetrics(cfg.Registerer)
	if err != nil {
		return nil, &SetupError{Op: "register metrics", Err: err}
	}

	events := NewEventBus(cfg.EventBufferSize)
	events.metrics = metrics

	a := &actor{
		endpoint:       ep,
		inbox:          newInbox(),
		events:         events,
		codec:          Codec{Sealed: cfg.Sealed},
		maxMessageSize: cfg.MaxMessageSize,
		clock:          cfg.Clock,
		metrics:        metrics,
		done:           make(chan struct{}),
	}

	p := &Peer{
		id:     ep.ID(),
		bus:    &CommandBus{inbox: a.inbox, done: a.done},
		events: events,
		clock:  cfg.Clock,
		actor:  a,
		done:   a.done,
	}
	if withAddrs, ok := ep.(interface{ Addrs() []multiaddr.Multiaddr }); ok {
		p.addrs = withAddrs.Addrs()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go a.run(ctx)

	log.Infow("peer started", "id", p.id)
	return p, nil
}

// ID returns this peer's id on the overlay.
func (p *Peer) ID() peer.ID { return p.id }

// Addrs returns the addresses the endpoint listened on at startup, each
// suffixed with /p2p/<id>.
func (p *Peer) Addrs() []string {
	out := make([]string, 0, len(p.addrs))
	for _, addr := range p.addrs {
		out = append(out, addr.String()+"/p2p/"+p.id.String())
	}
	return out
}

// SubscribeTopic joins topic. It reports false if already subscribed.
func (p *Peer) SubscribeTopic(ctx context.Context, topic string) (bool, error) {
	return Send[bool](ctx, p.bus, Subscribe{Topic: topic})
}

// UnsubscribeTopic leaves topic. It reports false if not subscribed.
func (p *Peer) UnsubscribeTopic(ctx context.Context, topic string) (bool, error) {
	return Send[bool](ctx, p.bus, Unsubscribe{Topic: topic})
}

// Sent describes a published message.
type Sent struct {
	MessageID MessageID
	// Timestamp is the Unix time carried in the message.
	Timestamp uint64
}

// SendMessage publishes text on topic. The message is timestamped now, not
// when the actor gets to it.
func (p *Peer) SendMessage(ctx context.Context, topic, text string) (MessageID, error) {
	sent, err := p.Post(ctx, topic, text)
	return sent.MessageID, err
}

// Post is SendMessage that also reports the timestamp the message carries.
func (p *Peer) Post(ctx context.Context, topic, text string) (Sent, error) {
	cmd := SendMessage{
		Topic:     topic,
		Text:      text,
		Timestamp: uint64(p.clock.Now().Unix()),
	}
	id, err := Send[MessageID](ctx, p.bus, cmd)
	if err != nil {
		return Sent{}, err
	}
	return Sent{MessageID: id, Timestamp: cmd.Timestamp}, nil
}

// Listen returns a new listener for events emitted from now on.
func (p *Peer) Listen() *Listener {
	return p.events.Subscribe()
}

// Done is closed once the actor has stopped.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Close stops the actor, which closes the endpoint, and waits for it. It
// returns the endpoint's teardown error, also when the actor had already
// stopped on its own.
func (p *Peer) Close() error {
	p.cancel()
	<-p.done
	return p.actor.closeErr
}

func loadIdentity(dataDir string) (crypto.PrivKey, error) {
	if dataDir == "" {
		return libp2p.GenerateIdentity()
	}
	return libp2p.LoadIdentity(dataDir)
}
