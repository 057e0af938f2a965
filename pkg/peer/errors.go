package peer

import (
	"errors"
	"fmt"

	"github.com/baderanaas/roomchat/pkg/libp2p"
)

var (
	// ErrCommandDelivery is returned when the actor is no longer running and
	// a command can neither be queued nor answered.
	ErrCommandDelivery = errors.New("peer actor is not running")

	// ErrNotSubscribed is returned when publishing to a topic this peer has
	// not subscribed to.
	ErrNotSubscribed = errors.New("not subscribed to topic")

	// ErrPayloadTooLarge is returned when an encoded message exceeds the
	// configured maximum size.
	ErrPayloadTooLarge = errors.New("payload too large")

	// ErrInsufficientPeers is returned when no other peer is subscribed to
	// the topic, so a publication would reach nobody.
	ErrInsufficientPeers = libp2p.ErrInsufficientPeers

	// ErrBusClosed is returned by Listener.Recv once the event bus is closed
	// and the listener has drained every retained event.
	ErrBusClosed = errors.New("event bus closed")

	ErrMissingPeerID  = errors.New("missing peer id")
	ErrMissingAddress = errors.New("missing address")

	errUnexpectedReply = errors.New("unexpected reply type")
	errUnknownCommand  = errors.New("unknown command")
)

// SetupError is a fatal failure while constructing the peer or its network
// endpoint.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("peer setup failed: %s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// BootstrapParseError describes a malformed bootstrap address entry. Part
// names the half that was missing or invalid ("peer id" or "address").
type BootstrapParseError struct {
	Input string
	Part  string
	Err   error
}

func (e *BootstrapParseError) Error() string {
	return fmt.Sprintf("invalid bootstrap address %q: %s: %v", e.Input, e.Part, e.Err)
}

func (e *BootstrapParseError) Unwrap() error { return e.Err }

// SubscribeError is a rejection from the pub/sub layer while joining or
// leaving a topic.
type SubscribeError struct {
	Topic string
	Err   error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("subscription to topic %q failed: %v", e.Topic, e.Err)
}

func (e *SubscribeError) Unwrap() error { return e.Err }

// PublishError is a rejection while encoding or publishing a message.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to topic %q failed: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// DecodeError means a received payload could not be parsed as a ChatMessage.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode chat message: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// LaggedError is returned by Listener.Recv when the listener fell behind the
// event bus capacity and Missed events were dropped.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("listener lagged: missed %d events", e.Missed)
}
