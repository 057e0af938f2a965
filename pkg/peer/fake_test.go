package peer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/require"

	"github.com/baderanaas/roomchat/pkg/libp2p"
	"github.com/baderanaas/roomchat/pkg/network"
)

// fakeNet connects fake endpoints: a publish on one is delivered to every
// other endpoint subscribed to the topic.
type fakeNet struct {
	mu        sync.Mutex
	endpoints []*fakeEndpoint
}

func (n *fakeNet) deliver(from *fakeEndpoint, topic string, id string, data []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.endpoints {
		if e == from || !e.hasTopic(topic) {
			continue
		}
		e.events <- network.MessageDelivered{ID: id, Topic: topic, From: from.id, Data: data}
	}
}

type published struct {
	topic string
	data  []byte
}

// fakeEndpoint is an in-memory Endpoint. It records a violation if two of
// its methods ever run at the same time.
type fakeEndpoint struct {
	id     peer.ID
	net    *fakeNet
	events chan network.Event

	inFlight   atomic.Int32
	violations atomic.Int32

	mu         sync.Mutex
	topics     map[string]bool
	published  []published
	added      []peer.AddrInfo
	publishErr error
	closeErr   error
	closed     bool

	// gate, when set, holds every Publish until it is closed
	gate chan struct{}
}

func newFakeEndpoint(t *testing.T, net *fakeNet) *fakeEndpoint {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(nil)
	require.NoError(t, err)
	id, err := peer.IDFromPrivateKey(priv)
	require.NoError(t, err)

	e := &fakeEndpoint{
		id:     id,
		net:    net,
		events: make(chan network.Event, 256),
		topics: make(map[string]bool),
	}
	if net != nil {
		net.mu.Lock()
		net.endpoints = append(net.endpoints, e)
		net.mu.Unlock()
	}
	return e
}

func (e *fakeEndpoint) enter() func() {
	if e.inFlight.Add(1) > 1 {
		e.violations.Add(1)
	}
	return func() { e.inFlight.Add(-1) }
}

func (e *fakeEndpoint) hasTopic(topic string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.topics[topic]
}

func (e *fakeEndpoint) ID() peer.ID { return e.id }

func (e *fakeEndpoint) Subscribe(topic string) (bool, error) {
	defer e.enter()()
	e.mu.Lock()
	defer e.mu.Unlock()
	if topic == "" {
		return false, errors.New("empty topic")
	}
	if e.topics[topic] {
		return false, nil
	}
	e.topics[topic] = true
	return true, nil
}

func (e *fakeEndpoint) Unsubscribe(topic string) (bool, error) {
	defer e.enter()()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.topics[topic] {
		return false, nil
	}
	delete(e.topics, topic)
	return true, nil
}

func (e *fakeEndpoint) Subscribed(topic string) bool {
	defer e.enter()()
	return e.hasTopic(topic)
}

func (e *fakeEndpoint) Publish(_ context.Context, topic string, data []byte) (string, error) {
	defer e.enter()()
	if e.gate != nil {
		<-e.gate
	}
	e.mu.Lock()
	if e.publishErr != nil {
		err := e.publishErr
		e.mu.Unlock()
		return "", err
	}
	e.published = append(e.published, published{topic: topic, data: data})
	e.mu.Unlock()

	id := libp2p.MessageID([]byte(e.id), data)
	if e.net != nil {
		e.net.deliver(e, topic, id, data)
	}
	return id, nil
}

func (e *fakeEndpoint) AddAddress(info peer.AddrInfo) {
	defer e.enter()()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.added = append(e.added, info)
}

func (e *fakeEndpoint) Events() <-chan network.Event { return e.events }

func (e *fakeEndpoint) Close() error {
	defer e.enter()()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return e.closeErr
}

func (e *fakeEndpoint) addedPeers() []peer.AddrInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]peer.AddrInfo(nil), e.added...)
}

func (e *fakeEndpoint) publishedMessages() []published {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]published(nil), e.published...)
}

func (e *fakeEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
