package peer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/baderanaas/roomchat/pkg/libp2p"
	"github.com/baderanaas/roomchat/pkg/network"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newMockClock() *clock.Mock {
	mock := clock.NewMock()
	mock.Set(epoch)
	return mock
}

func startPeer(t *testing.T, ep *fakeEndpoint, cfg Config) *Peer {
	t.Helper()
	p, err := NewWithEndpoint(ep, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = p.Close()
		require.Zero(t, ep.violations.Load(), "endpoint was called concurrently")
	})
	return p
}

func inject(ep *fakeEndpoint, evs ...network.Event) {
	for _, ev := range evs {
		ep.events <- ev
	}
}

func encoded(t *testing.T, msg ChatMessage) []byte {
	t.Helper()
	data, err := EncodeMessage(msg)
	require.NoError(t, err)
	return data
}

func TestSubscribeFollowsMembershipModel(t *testing.T) {
	ep := newFakeEndpoint(t, nil)
	p := startPeer(t, ep, Config{})
	ctx := context.Background()

	rng := rand.New(rand.NewSource(1))
	topics := []string{"general", "random", "dev"}
	model := make(map[string]bool)
	for i := 0; i < 200; i++ {
		topic := topics[rng.Intn(len(topics))]
		if rng.Intn(2) == 0 {
			added, err := p.SubscribeTopic(ctx, topic)
			require.NoError(t, err)
			require.Equal(t, !model[topic], added, "subscribe %q at step %d", topic, i)
			model[topic] = true
		} else {
			removed, err := p.UnsubscribeTopic(ctx, topic)
			require.NoError(t, err)
			require.Equal(t, model[topic], removed, "unsubscribe %q at step %d", topic, i)
			delete(model, topic)
		}
	}
}

func TestConcurrentCommandsGetTheirOwnReplies(t *testing.T) {
	ep := newFakeEndpoint(t, nil)
	mock := newMockClock()
	p := startPeer(t, ep, Config{Clock: mock})
	ctx := context.Background()

	added, err := p.SubscribeTopic(ctx, "general")
	require.NoError(t, err)
	require.True(t, added)

	const callers = 50
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			text := fmt.Sprintf("message %d", i)
			id, err := p.SendMessage(ctx, "general", text)
			if err != nil {
				errs <- err
				return
			}
			data, err := EncodeMessage(ChatMessage{Data: text, Timestamp: uint64(epoch.Unix()), Topic: "general"})
			if err != nil {
				errs <- err
				return
			}
			if want := MessageID(libp2p.MessageID([]byte(ep.id), data)); id != want {
				errs <- fmt.Errorf("caller %d got id %s, want %s", i, id, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Len(t, ep.publishedMessages(), callers)
}

func TestMessageReceivedOnlyForValidPayloads(t *testing.T) {
	ep := newFakeEndpoint(t, nil)
	reg := prometheus.NewRegistry()
	p := startPeer(t, ep, Config{Registerer: reg})
	l := p.Listen()
	defer l.Close()
	for _, topic := range []string{"general", "random"} {
		_, err := p.SubscribeTopic(context.Background(), topic)
		require.NoError(t, err)
	}

	remote := randomPeerID(t)
	valid := encoded(t, ChatMessage{Data: "hi", Timestamp: 1700000000, Topic: "general"})
	inject(ep,
		network.MessageDelivered{ID: "bad-1", Topic: "general", From: remote, Data: []byte("not json")},
		network.MessageDelivered{ID: "ok", Topic: "general", From: remote, Data: valid},
		network.MessageDelivered{ID: "bad-2", Topic: "random", From: remote, Data: valid},
		network.MessageDelivered{ID: "bad-3", Topic: "general", From: remote, Data: []byte(`{"data":"x","topic":"general"}`)},
		network.MembershipChanged{Peer: remote, Topic: "general", Joined: true},
	)

	ev, err := recvTimeout(t, l)
	require.NoError(t, err)
	require.Equal(t, MessageReceived{
		MessageID: "ok",
		Topic:     "general",
		PeerID:    remote.String(),
		Text:      "hi",
		Timestamp: 1700000000,
	}, ev)

	ev, err = recvTimeout(t, l)
	require.NoError(t, err)
	require.IsType(t, PeerJoined{}, ev)

	expected := `
# HELP roomchat_decode_failures_total Received payloads that were not valid chat messages.
# TYPE roomchat_decode_failures_total counter
roomchat_decode_failures_total 3
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "roomchat_decode_failures_total"))
}

func TestEventsForLeftTopicsAreDropped(t *testing.T) {
	ep := newFakeEndpoint(t, nil)
	reg := prometheus.NewRegistry()
	p := startPeer(t, ep, Config{Registerer: reg})
	l := p.Listen()
	defer l.Close()
	ctx := context.Background()

	_, err := p.SubscribeTopic(ctx, "general")
	require.NoError(t, err)
	removed, err := p.UnsubscribeTopic(ctx, "general")
	require.NoError(t, err)
	require.True(t, removed)
	_, err = p.SubscribeTopic(ctx, "dev")
	require.NoError(t, err)

	// deliveries queued before the unsubscribe can still arrive afterwards
	remote := randomPeerID(t)
	inject(ep,
		network.MessageDelivered{ID: "late", Topic: "general", From: remote, Data: encoded(t, ChatMessage{Data: "late", Timestamp: 1, Topic: "general"})},
		network.MessageDelivered{ID: "late-bad", Topic: "general", From: remote, Data: []byte("not json")},
		network.MembershipChanged{Peer: remote, Topic: "general", Joined: false},
		network.MembershipChanged{Peer: remote, Topic: "dev", Joined: true},
	)

	ev, err := recvTimeout(t, l)
	require.NoError(t, err)
	require.Equal(t, "dev", ev.(PeerJoined).Topic)

	require.Zero(t, testutil.ToFloat64(p.actor.metrics.decodeFailures))
}

func TestDiscoveredPeersAreRegistered(t *testing.T) {
	ep := newFakeEndpoint(t, nil)
	p := startPeer(t, ep, Config{})
	l := p.Listen()
	defer l.Close()
	_, err := p.SubscribeTopic(context.Background(), "general")
	require.NoError(t, err)

	remote := randomPeerID(t)
	addr := multiaddr.StringCast("/ip4/10.0.0.7/tcp/4001")
	inject(ep,
		network.PeerDiscovered{Peer: peer.AddrInfo{ID: ep.id, Addrs: []multiaddr.Multiaddr{addr}}, Source: "mdns"},
		network.PeerDiscovered{Peer: peer.AddrInfo{ID: remote, Addrs: []multiaddr.Multiaddr{addr}}, Source: "mdns"},
		network.MembershipChanged{Peer: remote, Topic: "general", Joined: true},
	)

	// discovery emits nothing; the first event is the membership change
	ev, err := recvTimeout(t, l)
	require.NoError(t, err)
	require.IsType(t, PeerJoined{}, ev)

	added := ep.addedPeers()
	require.Len(t, added, 1)
	require.Equal(t, remote, added[0].ID)
	require.Equal(t, []multiaddr.Multiaddr{addr}, added[0].Addrs)
}

func TestMembershipEventsUseClock(t *testing.T) {
	ep := newFakeEndpoint(t, nil)
	mock := newMockClock()
	p := startPeer(t, ep, Config{Clock: mock})
	l := p.Listen()
	defer l.Close()
	_, err := p.SubscribeTopic(context.Background(), "general")
	require.NoError(t, err)

	remote := randomPeerID(t)
	inject(ep, network.MembershipChanged{Peer: remote, Topic: "general", Joined: true})
	ev, err := recvTimeout(t, l)
	require.NoError(t, err)
	require.Equal(t, PeerJoined{PeerID: remote.String(), Topic: "general", Timestamp: uint64(epoch.Unix())}, ev)

	mock.Add(90 * time.Second)
	inject(ep, network.MembershipChanged{Peer: remote, Topic: "general", Joined: false})
	ev, err = recvTimeout(t, l)
	require.NoError(t, err)
	require.Equal(t, PeerLeft{PeerID: remote.String(), Topic: "general", Timestamp: uint64(epoch.Unix()) + 90}, ev)
}

func TestSendMessageErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("not subscribed", func(t *testing.T) {
		ep := newFakeEndpoint(t, nil)
		p := startPeer(t, ep, Config{})

		_, err := p.SendMessage(ctx, "general", "hi")
		var perr *PublishError
		require.ErrorAs(t, err, &perr)
		require.Equal(t, "general", perr.Topic)
		require.ErrorIs(t, err, ErrNotSubscribed)
		require.Empty(t, ep.publishedMessages())
	})

	t.Run("too large", func(t *testing.T) {
		ep := newFakeEndpoint(t, nil)
		p := startPeer(t, ep, Config{MaxMessageSize: 64})
		_, err := p.SubscribeTopic(ctx, "general")
		require.NoError(t, err)

		_, err = p.SendMessage(ctx, "general", strings.Repeat("x", 100))
		require.ErrorIs(t, err, ErrPayloadTooLarge)
		require.Empty(t, ep.publishedMessages())

		_, err = p.SendMessage(ctx, "general", "short")
		require.NoError(t, err)
	})

	t.Run("endpoint failure", func(t *testing.T) {
		ep := newFakeEndpoint(t, nil)
		ep.publishErr = errors.New("no peers")
		p := startPeer(t, ep, Config{})
		_, err := p.SubscribeTopic(ctx, "general")
		require.NoError(t, err)

		_, err = p.SendMessage(ctx, "general", "hi")
		var perr *PublishError
		require.ErrorAs(t, err, &perr)
		require.EqualError(t, perr.Err, "no peers")
	})

	t.Run("no topic peers", func(t *testing.T) {
		ep := newFakeEndpoint(t, nil)
		ep.publishErr = fmt.Errorf("%w: general", libp2p.ErrInsufficientPeers)
		p := startPeer(t, ep, Config{})
		_, err := p.SubscribeTopic(ctx, "general")
		require.NoError(t, err)

		id, err := p.SendMessage(ctx, "general", "hi")
		require.Empty(t, id)
		var perr *PublishError
		require.ErrorAs(t, err, &perr)
		require.Equal(t, "general", perr.Topic)
		require.ErrorIs(t, err, ErrInsufficientPeers)
	})
}

func TestSubscribeErrorIsWrapped(t *testing.T) {
	ep := newFakeEndpoint(t, nil)
	p := startPeer(t, ep, Config{})

	_, err := p.SubscribeTopic(context.Background(), "")
	var serr *SubscribeError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, "", serr.Topic)

	// the actor keeps serving after a failed command
	added, err := p.SubscribeTopic(context.Background(), "general")
	require.NoError(t, err)
	require.True(t, added)
}

func TestSendMessageTimestampedAtCallTime(t *testing.T) {
	ep := newFakeEndpoint(t, nil)
	mock := newMockClock()
	p := startPeer(t, ep, Config{Clock: mock})
	ctx := context.Background()
	_, err := p.SubscribeTopic(ctx, "general")
	require.NoError(t, err)

	ep.mu.Lock()
	ep.gate = make(chan struct{})
	ep.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = p.SendMessage(ctx, "general", "first")
	}()
	require.Eventually(t, func() bool { return ep.inFlight.Load() == 1 }, 5*time.Second, time.Millisecond)

	mock.Add(10 * time.Second)
	var posted Sent
	wg.Add(1)
	go func() {
		defer wg.Done()
		posted, _ = p.Post(ctx, "general", "second")
	}()
	require.Eventually(t, func() bool {
		p.bus.inbox.mu.Lock()
		defer p.bus.inbox.mu.Unlock()
		return len(p.bus.inbox.queue) == 1
	}, 5*time.Second, time.Millisecond)

	// the actor only sees the second command after this
	mock.Add(time.Hour)
	close(ep.gate)
	wg.Wait()

	msgs := ep.publishedMessages()
	require.Len(t, msgs, 2)
	second, err := DecodeMessage(msgs[1].data)
	require.NoError(t, err)
	require.Equal(t, "second", second.Data)
	require.Equal(t, uint64(epoch.Unix())+10, second.Timestamp)
	require.Equal(t, second.Timestamp, posted.Timestamp)
	require.Equal(t, MessageID(libp2p.MessageID([]byte(ep.id), msgs[1].data)), posted.MessageID)
}

func TestCancelledCallerDoesNotStallActor(t *testing.T) {
	ep := newFakeEndpoint(t, nil)
	p := startPeer(t, ep, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = p.SubscribeTopic(ctx, "general")

	// the abandoned command was still applied
	added, err := p.SubscribeTopic(context.Background(), "general")
	require.NoError(t, err)
	require.False(t, added)
}

func TestEndpointFailureStopsPeer(t *testing.T) {
	ep := newFakeEndpoint(t, nil)
	p := startPeer(t, ep, Config{})
	l := p.Listen()

	close(ep.events)

	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not stop after its endpoint failed")
	}
	require.True(t, ep.isClosed())

	_, err := p.SubscribeTopic(context.Background(), "general")
	require.ErrorIs(t, err, ErrCommandDelivery)

	_, err = recvTimeout(t, l)
	require.ErrorIs(t, err, ErrBusClosed)
}

func TestCloseStopsPeer(t *testing.T) {
	ep := newFakeEndpoint(t, nil)
	p := startPeer(t, ep, Config{})

	require.NoError(t, p.Close())
	require.True(t, ep.isClosed())

	_, err := p.SendMessage(context.Background(), "general", "hi")
	require.ErrorIs(t, err, ErrCommandDelivery)
}

func TestCloseReturnsEndpointError(t *testing.T) {
	ep := newFakeEndpoint(t, nil)
	ep.closeErr = errors.New("host close failed")
	p := startPeer(t, ep, Config{})

	require.EqualError(t, p.Close(), "host close failed")
	require.True(t, ep.isClosed())
	// later calls still report the teardown failure
	require.EqualError(t, p.Close(), "host close failed")
}

func TestEndpointIsNeverCalledConcurrently(t *testing.T) {
	ep := newFakeEndpoint(t, nil)
	p := startPeer(t, ep, Config{})
	ctx := context.Background()
	remote := randomPeerID(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			topic := fmt.Sprintf("room-%d", i%3)
			for j := 0; j < 25; j++ {
				_, _ = p.SubscribeTopic(ctx, topic)
				_, _ = p.SendMessage(ctx, topic, "ping")
				_, _ = p.UnsubscribeTopic(ctx, topic)
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 100; j++ {
			inject(ep, network.PeerDiscovered{Peer: peer.AddrInfo{ID: remote}, Source: "dht"})
		}
	}()
	wg.Wait()

	require.Zero(t, ep.violations.Load())
}

func TestTwoPeersExchangeMessages(t *testing.T) {
	for _, sealed := range []bool{false, true} {
		t.Run(fmt.Sprintf("sealed=%v", sealed), func(t *testing.T) {
			net := &fakeNet{}
			mock := newMockClock()
			epA, epB := newFakeEndpoint(t, net), newFakeEndpoint(t, net)
			a := startPeer(t, epA, Config{Clock: mock, Sealed: sealed})
			b := startPeer(t, epB, Config{Clock: mock, Sealed: sealed})
			ctx := context.Background()

			_, err := a.SubscribeTopic(ctx, "general")
			require.NoError(t, err)
			_, err = b.SubscribeTopic(ctx, "general")
			require.NoError(t, err)

			la := a.Listen()
			defer la.Close()
			lb := b.Listen()
			defer lb.Close()

			id, err := b.SendMessage(ctx, "general", "hi")
			require.NoError(t, err)

			ev, err := recvTimeout(t, la)
			require.NoError(t, err)
			require.Equal(t, MessageReceived{
				MessageID: id,
				Topic:     "general",
				PeerID:    b.ID().String(),
				Text:      "hi",
				Timestamp: uint64(epoch.Unix()),
			}, ev)

			// the sender does not hear its own message
			short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()
			_, err = lb.Recv(short)
			require.ErrorIs(t, err, context.DeadlineExceeded)
		})
	}
}
