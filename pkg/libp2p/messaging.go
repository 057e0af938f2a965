package libp2p

import (
	"context"
	"errors"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.uber.org/multierr"

	"github.com/baderanaas/roomchat/pkg/network"
)

// ErrNotJoined is returned when publishing to a topic that was never
// subscribed.
var ErrNotJoined = errors.New("not joined to topic")

// ErrInsufficientPeers is returned when a joined topic has no peers to
// publish to. GossipSub would otherwise drop the message silently.
var ErrInsufficientPeers = errors.New("no peers subscribed to topic")

type joinedTopic struct {
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	handler *pubsub.TopicEventHandler
	cancel  context.CancelFunc
}

// leave stops the readers and releases the topic. Subscriptions and event
// handlers must be gone before the topic can close.
func (jt *joinedTopic) leave() error {
	jt.cancel()
	jt.handler.Cancel()
	jt.sub.Cancel()
	return jt.topic.Close()
}

// Subscribed reports whether topic is currently joined.
func (e *Endpoint) Subscribed(topic string) bool {
	_, ok := e.topics[topic]
	return ok
}

// Subscribe joins topic and starts forwarding its messages and membership
// changes. It reports false if the topic was already joined.
func (e *Endpoint) Subscribe(name string) (bool, error) {
	if _, exists := e.topics[name]; exists {
		return false, nil
	}

	topic, err := e.pubsub.Join(name)
	if err != nil {
		return false, fmt.Errorf("failed to join pubsub topic: %w", err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return false, multierr.Append(fmt.Errorf("failed to subscribe to pubsub topic: %w", err), topic.Close())
	}
	handler, err := topic.EventHandler()
	if err != nil {
		sub.Cancel()
		return false, multierr.Append(fmt.Errorf("failed to watch topic peers: %w", err), topic.Close())
	}

	ctx, cancel := context.WithCancel(e.ctx)
	e.topics[name] = &joinedTopic{topic: topic, sub: sub, handler: handler, cancel: cancel}

	e.wg.Add(2)
	go e.readMessages(ctx, name, sub)
	go e.readPeerEvents(ctx, name, handler)

	if e.cfg.EnableRendezvous {
		e.wg.Add(1)
		go e.discoverTopicPeers(ctx, name)
	}
	return true, nil
}

// Unsubscribe leaves topic. It reports false if the topic was not joined.
func (e *Endpoint) Unsubscribe(name string) (bool, error) {
	jt, exists := e.topics[name]
	if !exists {
		return false, nil
	}
	delete(e.topics, name)
	if err := jt.leave(); err != nil {
		return true, fmt.Errorf("failed to close pubsub topic: %w", err)
	}
	return true, nil
}

// Publish sends data on a joined topic and returns its message id. It fails
// with ErrInsufficientPeers while no other peer is subscribed to the topic.
func (e *Endpoint) Publish(ctx context.Context, name string, data []byte) (string, error) {
	jt, exists := e.topics[name]
	if !exists {
		return "", fmt.Errorf("%w: %s", ErrNotJoined, name)
	}
	if len(jt.topic.ListPeers()) == 0 {
		return "", fmt.Errorf("%w: %s", ErrInsufficientPeers, name)
	}
	if err := jt.topic.Publish(ctx, data); err != nil {
		return "", err
	}
	return MessageID([]byte(e.host.ID()), data), nil
}

// readMessages forwards messages from other peers; GossipSub also delivers
// our own publications to local subscriptions.
func (e *Endpoint) readMessages(ctx context.Context, topic string, sub *pubsub.Subscription) {
	defer e.wg.Done()
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, pubsub.ErrSubscriptionCancelled) {
				log.Warnw("error receiving pubsub message", "topic", topic, "err", err)
			}
			return
		}
		if msg.GetFrom() == e.host.ID() {
			continue
		}
		e.emit(ctx, network.MessageDelivered{
			ID:    msg.ID,
			Topic: topic,
			From:  msg.GetFrom(),
			Data:  msg.GetData(),
		})
	}
}

func (e *Endpoint) readPeerEvents(ctx context.Context, topic string, handler *pubsub.TopicEventHandler) {
	defer e.wg.Done()
	for {
		ev, err := handler.NextPeerEvent(ctx)
		if err != nil {
			return
		}
		e.emit(ctx, network.MembershipChanged{
			Peer:   ev.Peer,
			Topic:  topic,
			Joined: ev.Type == pubsub.PeerJoin,
		})
	}
}
