package peer

import (
	"context"
	"fmt"
	"sync"
)

// MessageID identifies a published message on the overlay.
type MessageID string

// Command is a request handled by the peer actor. The reply type of each
// command is documented on it.
type Command interface {
	commandKind() string
}

// Subscribe joins Topic. Replies bool: true if the subscription is new.
type Subscribe struct {
	Topic string
}

// Unsubscribe leaves Topic. Replies bool: true if the peer was subscribed.
type Unsubscribe struct {
	Topic string
}

// SendMessage publishes Text on Topic. Replies MessageID.
type SendMessage struct {
	Topic     string
	Text      string
	Timestamp uint64
}

func (Subscribe) commandKind() string   { return "subscribe" }
func (Unsubscribe) commandKind() string { return "unsubscribe" }
func (SendMessage) commandKind() string { return "send_message" }

type result struct {
	value any
	err   error
}

// envelope pairs a command with its single-use reply slot. The slot is
// buffered so the actor never blocks on a caller that stopped waiting.
type envelope struct {
	cmd   Command
	reply chan result
}

func (e envelope) resolve(value any, err error) {
	e.reply <- result{value: value, err: err}
}

// inbox is an unbounded FIFO queue with a single consumer.
type inbox struct {
	mu     sync.Mutex
	queue  []envelope
	ready  chan struct{}
	closed bool
}

func newInbox() *inbox {
	return &inbox{ready: make(chan struct{}, 1)}
}

func (i *inbox) push(env envelope) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return ErrCommandDelivery
	}
	i.queue = append(i.queue, env)
	i.signal()
	return nil
}

// pop removes the oldest envelope. If more remain the ready channel is
// re-armed so the consumer comes back for them.
func (i *inbox) pop() (envelope, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.queue) == 0 {
		return envelope{}, false
	}
	env := i.queue[0]
	i.queue[0] = envelope{}
	i.queue = i.queue[1:]
	if len(i.queue) > 0 {
		i.signal()
	}
	return env, true
}

func (i *inbox) signal() {
	select {
	case i.ready <- struct{}{}:
	default:
	}
}

// close rejects future pushes and fails everything still queued.
func (i *inbox) close(err error) {
	i.mu.Lock()
	pending := i.queue
	i.queue = nil
	i.closed = true
	i.mu.Unlock()

	for _, env := range pending {
		env.resolve(nil, err)
	}
}

// CommandBus hands commands to the actor and waits for their replies.
type CommandBus struct {
	inbox *inbox
	done  <-chan struct{}
}

// Send delivers cmd and waits for its reply. It returns ErrCommandDelivery if
// the actor has stopped. Cancelling ctx abandons the wait; the actor still
// processes the command.
func Send[R any](ctx context.Context, bus *CommandBus, cmd Command) (R, error) {
	var zero R
	env := envelope{cmd: cmd, reply: make(chan result, 1)}
	if err := bus.inbox.push(env); err != nil {
		return zero, err
	}

	var res result
	select {
	case res = <-env.reply:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-bus.done:
		// the actor fails queued commands before signalling done, so a
		// reply may already be waiting
		select {
		case res = <-env.reply:
		default:
			return zero, ErrCommandDelivery
		}
	}
	if res.err != nil {
		return zero, res.err
	}
	v, ok := res.value.(R)
	if !ok {
		return zero, fmt.Errorf("%w: %s replied %T", errUnexpectedReply, cmd.commandKind(), res.value)
	}
	return v, nil
}
