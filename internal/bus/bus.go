// Package bus implements the local bus: two append-only UTF-8 JSONL
// journals, notifications.jsonl and commands.jsonl, tailed by producers
// and consumers through durable byte offsets. Journal writes are guarded
// by a cross-process file lock since more than one supervisor process
// could in principle share a bus directory.
package bus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const (
	notificationsFile = "notifications.jsonl"
	commandsFile      = "commands.jsonl"
)

// Bus is a pair of append-only journals rooted at dir.
type Bus struct {
	dir string
}

// Open ensures dir exists and returns a Bus rooted there.
func Open(dir string) (*Bus, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bus dir: %w", err)
	}
	return &Bus{dir: dir}, nil
}

func (b *Bus) path(name string) string {
	return filepath.Join(b.dir, name)
}

// appendLine appends one JSON-encoded line to the named journal under an
// exclusive cross-process lock.
func appendLine(path string, v any) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock journal %s: %w", path, err)
	}
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal %s: %w", path, err)
	}
	defer f.Close()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append journal %s: %w", path, err)
	}
	return nil
}

// readFrom reads every well-formed JSON line at or after byteOffset,
// returning the decoded entries and the new end-of-file offset. Malformed
// lines are skipped, not fatal.
func readFrom[T any](path string, byteOffset int64) ([]T, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, byteOffset, nil
		}
		return nil, byteOffset, fmt.Errorf("open journal %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, byteOffset, fmt.Errorf("stat journal %s: %w", path, err)
	}
	size := info.Size()
	if byteOffset > size {
		byteOffset = 0 // journal truncated/rotated; restart from the top
	}
	if _, err := f.Seek(byteOffset, 0); err != nil {
		return nil, byteOffset, fmt.Errorf("seek journal %s: %w", path, err)
	}

	var out []T
	offset := byteOffset
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		offset += int64(len(line)) + 1 // +1 for the newline
		if len(line) == 0 {
			continue
		}
		var entry T
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, offset, scanner.Err()
}
