// Package chat is the interactive front end of a chat peer: a line-based
// command loop over any reader and writer, plus an event printer that keeps
// the on-disk history.
package chat

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	corepeer "github.com/libp2p/go-libp2p/core/peer"

	"github.com/baderanaas/roomchat/pkg/history"
	"github.com/baderanaas/roomchat/pkg/peer"
)

var log = logging.Logger("roomchat/chat")

const (
	joinHistorySize    = 20
	defaultHistorySize = 50

	// defaultMaxLineSize leaves room for the largest message a peer will
	// publish by default.
	defaultMaxLineSize = 2 * peer.DefaultMaxMessageSize
)

// Peer is what the REPL needs from a running peer. *peer.Peer satisfies it.
type Peer interface {
	ID() corepeer.ID
	Addrs() []string
	SubscribeTopic(ctx context.Context, topic string) (bool, error)
	UnsubscribeTopic(ctx context.Context, topic string) (bool, error)
	Post(ctx context.Context, topic, text string) (peer.Sent, error)
	Listen() *peer.Listener
}

// REPL reads commands from in and writes everything the user sees to out.
type REPL struct {
	peer Peer
	in   io.Reader
	// history is kept only when dataDir is set
	dataDir string
	// longer input lines are reported and skipped
	maxLine int

	mu  sync.Mutex // guards out
	out io.Writer

	rooms   map[string]bool
	current string
}

// NewREPL returns a REPL for p. History is kept under dataDir unless it is
// empty.
func NewREPL(p Peer, in io.Reader, out io.Writer, dataDir string) *REPL {
	return &REPL{
		peer:    p,
		in:      in,
		out:     out,
		dataDir: dataDir,
		maxLine: defaultMaxLineSize,
		rooms:   make(map[string]bool),
	}
}

// Run processes input until /quit, end of input, or ctx is done. Events from
// the peer are printed while it runs.
func (r *REPL) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	printerDone := make(chan struct{})
	l := r.peer.Listen()
	go func() {
		defer close(printerDone)
		r.printEvents(ctx, l)
	}()
	defer func() {
		cancel()
		<-printerDone
	}()

	r.printHelp()
	r.prompt()

	lines := &lineSplitter{max: r.maxLine}
	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 0, min(4096, r.maxLine)), r.maxLine)
	scanner.Split(lines.split)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if lines.dropped {
			lines.dropped = false
			r.printf("Line too long (limit %d bytes), ignored.\n", r.maxLine)
			r.prompt()
			continue
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			r.prompt()
			continue
		}
		if input == "/quit" {
			r.println("Shutting down...")
			return nil
		}
		r.handle(ctx, input)
		r.prompt()
	}
	return scanner.Err()
}

func (r *REPL) handle(ctx context.Context, input string) {
	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	if !strings.HasPrefix(cmd, "/") {
		if r.current == "" {
			r.println("No current room. Use /join <room> first.")
			return
		}
		r.send(ctx, r.current, input)
		return
	}

	switch cmd {
	case "/join":
		if rest == "" {
			r.println("Usage: /join <room>")
			return
		}
		r.join(ctx, rest)

	case "/leave":
		if rest == "" {
			r.println("Usage: /leave <room>")
			return
		}
		r.leave(ctx, rest)

	case "/switch":
		if !r.rooms[rest] {
			r.printf("Not in room %q. Use /join %s first.\n", rest, rest)
			return
		}
		r.current = rest
		r.printf("Now talking in %s\n", rest)

	case "/rooms":
		r.listRooms()

	case "/msg":
		room, text, ok := strings.Cut(rest, " ")
		if !ok || strings.TrimSpace(text) == "" {
			r.println("Usage: /msg <room> <message>")
			return
		}
		r.send(ctx, room, strings.TrimSpace(text))

	case "/history":
		r.showHistory(rest)

	case "/whoami":
		r.printf("Peer ID: %s\n", r.peer.ID())
		for _, addr := range r.peer.Addrs() {
			r.printf("  %s\n", addr)
		}

	case "/help":
		r.printHelp()

	default:
		r.printf("Unknown command %s. Type /help for a list.\n", cmd)
	}
}

func (r *REPL) join(ctx context.Context, room string) {
	added, err := r.peer.SubscribeTopic(ctx, room)
	if err != nil {
		r.printf("Failed to join %s: %v\n", room, err)
		return
	}
	r.rooms[room] = true
	r.current = room
	if !added {
		r.printf("Already in %s, now talking there\n", room)
		return
	}
	r.printf("Joined %s\n", room)
	r.printHistory(room, joinHistorySize)
}

func (r *REPL) leave(ctx context.Context, room string) {
	removed, err := r.peer.UnsubscribeTopic(ctx, room)
	if err != nil {
		r.printf("Failed to leave %s: %v\n", room, err)
		return
	}
	delete(r.rooms, room)
	if r.current == room {
		r.current = ""
	}
	if !removed {
		r.printf("Not in %s\n", room)
		return
	}
	r.printf("Left %s\n", room)
}

func (r *REPL) send(ctx context.Context, room, text string) {
	sent, err := r.peer.Post(ctx, room, text)
	if err != nil {
		if errors.Is(err, peer.ErrNotSubscribed) {
			r.printf("Not in %s. Use /join %s first.\n", room, room)
			return
		}
		r.printf("Failed to send message: %v\n", err)
		return
	}
	r.record(history.Entry{
		ID:        string(sent.MessageID),
		From:      r.peer.ID().String(),
		Topic:     room,
		Text:      text,
		Timestamp: time.Unix(int64(sent.Timestamp), 0),
	})
}

func (r *REPL) listRooms() {
	if len(r.rooms) == 0 {
		r.println("No rooms joined. Use /join <room> to start.")
		return
	}
	rooms := make([]string, 0, len(r.rooms))
	for room := range r.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)

	r.println("Joined rooms:")
	for _, room := range rooms {
		if room == r.current {
			r.printf("  - %s (current)\n", room)
		} else {
			r.printf("  - %s\n", room)
		}
	}
}

func (r *REPL) showHistory(args string) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		r.println("Usage: /history <room> [count]")
		return
	}
	count := defaultHistorySize
	if len(parts) > 1 {
		n, err := strconv.Atoi(parts[1])
		if err != nil || n <= 0 {
			r.println("Invalid count, must be a positive number.")
			return
		}
		count = n
	}
	r.printHistory(parts[0], count)
}

func (r *REPL) printHistory(room string, count int) {
	if r.dataDir == "" {
		return
	}
	entries, err := history.Recent(r.dataDir, room, count)
	if err != nil {
		r.printf("Could not load history for %s: %v\n", room, err)
		return
	}
	if len(entries) == 0 {
		return
	}
	r.printf("--- History for %s (last %d messages) ---\n", room, len(entries))
	for _, e := range entries {
		r.printf("[%s] %s: %s\n", e.Timestamp.Format("15:04"), shortID(e.From), e.Text)
	}
	r.println("--- End of history ---")
}

func (r *REPL) record(entry history.Entry) {
	if r.dataDir == "" {
		return
	}
	if err := history.Append(r.dataDir, entry.Topic, entry); err != nil {
		log.Warnw("failed to append history", "topic", entry.Topic, "err", err)
	}
}

func (r *REPL) printHelp() {
	r.println(`Commands:
  /join <room>           - Join a room and make it current
  /leave <room>          - Leave a room
  /switch <room>         - Switch the current room
  /rooms                 - Show joined rooms
  /msg <room> <message>  - Send a message to a specific room
  /history <room> [n]    - Show the last [n] messages (default 50)
  /whoami                - Show this peer's id and addresses
  /quit                  - Exit
  <message>              - Send to the current room`)
}

func (r *REPL) prompt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprint(r.out, "> ")
}

func (r *REPL) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *REPL) println(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, s)
}

// lineSplitter is bufio.ScanLines that skips lines of max bytes or more
// instead of failing the scan. A skipped line yields an empty token with
// dropped set.
type lineSplitter struct {
	max      int
	skipping bool
	dropped  bool
}

func (s *lineSplitter) split(data []byte, atEOF bool) (int, []byte, error) {
	if s.skipping {
		i := bytes.IndexByte(data, '\n')
		switch {
		case i >= 0:
			s.skipping, s.dropped = false, true
			return i + 1, []byte{}, nil
		case atEOF:
			s.skipping, s.dropped = false, true
			return len(data), []byte{}, nil
		}
		return len(data), nil, nil
	}
	advance, token, err := bufio.ScanLines(data, atEOF)
	if advance == 0 && token == nil && err == nil && len(data) >= s.max {
		s.skipping = true
		return len(data), nil, nil
	}
	return advance, token, err
}

// shortID keeps the tail of a peer id; every Ed25519 id shares its prefix.
func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}

var _ Peer = (*peer.Peer)(nil)
