package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Buffer is the durable append-only overflow log for evicted messages:
// newline-delimited JSON, one entry per line, owner read/write only.
// The id-dedup set lives for the buffer's lifetime and is keyed by this
// process; buffers are never shared across processes, so append-only
// writes need no locking.
type Buffer struct {
	path string
	seen map[string]struct{}
}

// Open binds a buffer to <dir>/history-<pid>.jsonl. The directory must
// already exist; a missing directory is a setup bug and surfaces as an
// error from the first Append.
func Open(dir string, pid int) *Buffer {
	return &Buffer{
		path: filepath.Join(dir, fmt.Sprintf("history-%d.jsonl", pid)),
		seen: make(map[string]struct{}),
	}
}

func (b *Buffer) Path() string {
	if b == nil {
		return ""
	}
	return b.path
}

// Append writes the messages whose ids the buffer has not seen yet and
// returns how many were written. The file is opened in append mode, so
// earlier content is byte-for-byte preserved; re-appending an already
// seen batch writes nothing.
func (b *Buffer) Append(msgs []Message) (int, error) {
	if b == nil {
		return 0, errors.New("buffer is nil")
	}
	fresh := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.ID) == "" {
			continue
		}
		if _, ok := b.seen[m.ID]; ok {
			continue
		}
		fresh = append(fresh, m)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	written := 0
	for _, m := range fresh {
		data, err := json.Marshal(m)
		if err != nil {
			return written, err
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			return written, err
		}
		b.seen[m.ID] = struct{}{}
		written++
	}
	return written, nil
}

// Replace truncates the file and the dedup set, then writes msgs as the
// new full content.
func (b *Buffer) Replace(msgs []Message) error {
	if b == nil {
		return errors.New("buffer is nil")
	}
	if err := b.Clear(); err != nil {
		return err
	}
	_, err := b.Append(msgs)
	return err
}

// Clear truncates the file and resets the dedup set, so previously seen
// ids become writable again.
func (b *Buffer) Clear() error {
	if b == nil {
		return errors.New("buffer is nil")
	}
	b.seen = make(map[string]struct{})
	f, err := os.OpenFile(b.path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}

// Compact clears the buffer and appends exactly one synthetic assistant
// message carrying the summary. Later appends land after the marker
// without disturbing it.
func (b *Buffer) Compact(summary string, now time.Time) (Message, error) {
	if b == nil {
		return Message{}, errors.New("buffer is nil")
	}
	marker := CompactionMessage(summary, now)
	if err := b.Clear(); err != nil {
		return Message{}, err
	}
	if _, err := b.Append([]Message{marker}); err != nil {
		return Message{}, err
	}
	return marker, nil
}

// Read loads the buffer's messages and marks their ids as seen, so a
// restored message evicted again later is not written twice. An absent
// or empty file yields empty. A single JSON array is the legacy format
// and is migrated by treating it as the message list for this read; the
// file itself is left untouched. Otherwise each non-empty line is
// decoded independently; whole-file garbage yields empty rather than an
// error.
func (b *Buffer) Read() ([]Message, error) {
	if b == nil {
		return nil, errors.New("buffer is nil")
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var legacy []Message
		if err := json.Unmarshal(trimmed, &legacy); err == nil {
			b.markSeen(legacy)
			return legacy, nil
		}
		return nil, nil
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	var out []Message
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return out, err
	}
	b.markSeen(out)
	return out, nil
}

func (b *Buffer) markSeen(msgs []Message) {
	for _, m := range msgs {
		if strings.TrimSpace(m.ID) != "" {
			b.seen[m.ID] = struct{}{}
		}
	}
}
