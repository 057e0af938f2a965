package chat

import (
	"context"
	"errors"
	"time"

	"github.com/baderanaas/roomchat/pkg/history"
	"github.com/baderanaas/roomchat/pkg/peer"
)

// printEvents shows peer events until ctx is done or the peer stops.
// Received messages are also written to history.
func (r *REPL) printEvents(ctx context.Context, l *peer.Listener) {
	defer l.Close()
	for {
		ev, err := l.Recv(ctx)
		var lagged *peer.LaggedError
		switch {
		case errors.As(err, &lagged):
			r.printf("\n! missed %d events\n", lagged.Missed)
			continue
		case errors.Is(err, peer.ErrBusClosed):
			r.println("\n! peer stopped")
			return
		case err != nil:
			return
		}

		switch ev := ev.(type) {
		case peer.MessageReceived:
			sent := time.Unix(int64(ev.Timestamp), 0)
			r.printf("\n[%s] %s@%s: %s\n", sent.Format("15:04"), shortID(ev.PeerID), ev.Topic, ev.Text)
			r.record(history.Entry{
				ID:        string(ev.MessageID),
				From:      ev.PeerID,
				Topic:     ev.Topic,
				Text:      ev.Text,
				Timestamp: sent,
			})
		case peer.PeerJoined:
			r.printf("\n* %s joined %s\n", shortID(ev.PeerID), ev.Topic)
		case peer.PeerLeft:
			r.printf("\n* %s left %s\n", shortID(ev.PeerID), ev.Topic)
		}
	}
}
