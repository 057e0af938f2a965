package peer

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/baderanaas/roomchat/pkg/network"
)

// Endpoint is the network capability the actor drives. Implementations need
// not be safe for concurrent use: the actor is the only caller of every
// method except Events, whose channel it drains.
type Endpoint interface {
	ID() peer.ID
	Subscribe(topic string) (bool, error)
	Unsubscribe(topic string) (bool, error)
	Subscribed(topic string) bool
	// Publish returns the overlay message id of the published payload.
	Publish(ctx context.Context, topic string, data []byte) (string, error)
	// AddAddress registers a reachable peer in the routing table.
	AddAddress(info peer.AddrInfo)
	// Events is closed when the endpoint can no longer operate.
	Events() <-chan network.Event
	Close() error
}

// actor is the single goroutine that owns the endpoint.
type actor struct {
	endpoint       Endpoint
	inbox          *inbox
	events         *EventBus
	codec          Codec
	maxMessageSize int
	clock          clock.Clock
	metrics        *Metrics

	// closeErr is set before done is closed.
	closeErr error
	done     chan struct{}
}

func (a *actor) run(ctx context.Context) {
	defer a.shutdown()

	netEvents := a.endpoint.Events()
	for {
		select {
		case <-ctx.Done():
			log.Debugw("peer actor stopping", "reason", ctx.Err())
			return
		case ev, ok := <-netEvents:
			if !ok {
				log.Warnw("network endpoint closed, stopping peer actor", "peer", a.endpoint.ID())
				return
			}
			a.handleNetworkEvent(ev)
		case <-a.inbox.ready:
			if env, ok := a.inbox.pop(); ok {
				a.handleCommand(ctx, env)
			}
		}
	}
}

// shutdown fails pending commands before signalling done so that waiting
// callers always see either their reply or ErrCommandDelivery.
func (a *actor) shutdown() {
	a.inbox.close(ErrCommandDelivery)
	a.events.Close()
	if err := a.endpoint.Close(); err != nil {
		log.Warnw("error closing network endpoint", "err", err)
		a.closeErr = err
	}
	close(a.done)
}

func (a *actor) handleNetworkEvent(ev network.Event) {
	switch ev := ev.(type) {
	case network.PeerDiscovered:
		a.metrics.networkEvent("peer_discovered")
		if ev.Peer.ID == a.endpoint.ID() {
			return
		}
		log.Debugw("peer discovered", "peer", ev.Peer.ID, "source", ev.Source, "addrs", ev.Peer.Addrs)
		a.endpoint.AddAddress(ev.Peer)

	case network.MessageDelivered:
		a.metrics.networkEvent("message_delivered")
		if !a.endpoint.Subscribed(ev.Topic) {
			log.Debugw("dropping message for unsubscribed topic", "topic", ev.Topic, "from", ev.From)
			return
		}
		msg, err := a.codec.Decode(ev.Data)
		if err == nil && msg.Topic != ev.Topic {
			err = &DecodeError{Err: fmt.Errorf("payload topic %q delivered on %q", msg.Topic, ev.Topic)}
		}
		if err != nil {
			a.metrics.decodeFailed()
			log.Warnw("dropping undecodable message", "topic", ev.Topic, "from", ev.From, "err", err)
			return
		}
		a.events.Emit(MessageReceived{
			MessageID: MessageID(ev.ID),
			Topic:     ev.Topic,
			PeerID:    ev.From.String(),
			Text:      msg.Data,
			Timestamp: msg.Timestamp,
		})

	case network.MembershipChanged:
		a.metrics.networkEvent("membership_changed")
		if !a.endpoint.Subscribed(ev.Topic) {
			log.Debugw("dropping membership change for unsubscribed topic", "topic", ev.Topic, "peer", ev.Peer)
			return
		}
		ts := uint64(a.clock.Now().Unix())
		if ev.Joined {
			a.events.Emit(PeerJoined{PeerID: ev.Peer.String(), Topic: ev.Topic, Timestamp: ts})
		} else {
			a.events.Emit(PeerLeft{PeerID: ev.Peer.String(), Topic: ev.Topic, Timestamp: ts})
		}

	default:
		log.Debugw("ignoring network event", "type", fmt.Sprintf("%T", ev))
	}
}

func (a *actor) handleCommand(ctx context.Context, env envelope) {
	var (
		value any
		err   error
	)
	switch cmd := env.cmd.(type) {
	case Subscribe:
		value, err = a.subscribe(cmd)
	case Unsubscribe:
		value, err = a.unsubscribe(cmd)
	case SendMessage:
		value, err = a.publish(ctx, cmd)
	default:
		err = fmt.Errorf("%w: %T", errUnknownCommand, env.cmd)
	}
	a.metrics.commandHandled(env.cmd, err)
	env.resolve(value, err)
}

func (a *actor) subscribe(cmd Subscribe) (bool, error) {
	added, err := a.endpoint.Subscribe(cmd.Topic)
	if err != nil {
		return false, &SubscribeError{Topic: cmd.Topic, Err: err}
	}
	if added {
		log.Infow("subscribed to topic", "topic", cmd.Topic)
	}
	return added, nil
}

func (a *actor) unsubscribe(cmd Unsubscribe) (bool, error) {
	removed, err := a.endpoint.Unsubscribe(cmd.Topic)
	if err != nil {
		return false, &SubscribeError{Topic: cmd.Topic, Err: err}
	}
	if removed {
		log.Infow("unsubscribed from topic", "topic", cmd.Topic)
	}
	return removed, nil
}

func (a *actor) publish(ctx context.Context, cmd SendMessage) (MessageID, error) {
	if !a.endpoint.Subscribed(cmd.Topic) {
		return "", &PublishError{Topic: cmd.Topic, Err: ErrNotSubscribed}
	}
	data, err := a.codec.Encode(ChatMessage{Data: cmd.Text, Timestamp: cmd.Timestamp, Topic: cmd.Topic})
	if err != nil {
		return "", &PublishError{Topic: cmd.Topic, Err: err}
	}
	if len(data) > a.maxMessageSize {
		return "", &PublishError{
			Topic: cmd.Topic,
			Err:   fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(data), a.maxMessageSize),
		}
	}
	id, err := a.endpoint.Publish(ctx, cmd.Topic, data)
	if err != nil {
		return "", &PublishError{Topic: cmd.Topic, Err: err}
	}
	return MessageID(id), nil
}
