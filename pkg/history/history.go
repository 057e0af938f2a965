// Package history keeps a per-room log of chat traffic on disk, one JSON
// object per line.
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"
)

var log = logging.Logger("roomchat/history")

const logsDirName = "logs"

// Entry is one logged message.
type Entry struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Topic     string    `json:"topic"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Path returns the log file of topic under dir. Topics are escaped so any
// room name maps to a single file.
func Path(dir, topic string) string {
	return filepath.Join(dir, logsDirName, url.PathEscape(topic)+".jsonl")
}

// Append adds entry to the log of topic.
func Append(dir, topic string, entry Entry) (err error) {
	if err := os.MkdirAll(filepath.Join(dir, logsDirName), 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(Path(dir, topic), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(f))

	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// Recent returns up to the last n entries logged for topic, oldest first.
// A room with no log yet has no history. Unreadable lines are skipped.
func Recent(dir, topic string, n int) (entries []Entry, err error) {
	if n <= 0 {
		return nil, nil
	}

	f, err := os.Open(Path(dir, topic))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(f))

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			log.Debugw("skipping corrupt history line", "topic", topic, "err", err)
			continue
		}
		entries = append(entries, entry)
		if len(entries) > n {
			entries = entries[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}
