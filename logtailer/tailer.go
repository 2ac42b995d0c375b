// Package logtailer watches append-only game server log files for new
// lines, tolerating log rotation and bounding how much it reads in a
// single poll so a runaway server dumping a huge trace cannot exhaust
// memory.
package logtailer

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"

	"github.com/fenwick-ops/gamefleet/infrastructure/logging"
)

const defaultMaxReadBytes = 2 * 1024 * 1024

// Tailer tracks one log file's read cursor across polls.
type Tailer struct {
	path         string
	tailBytes    int64
	maxReadBytes int64
	logger       *logging.Logger

	mu          sync.Mutex
	lastPos     int64
	initialized bool
}

// Option configures a Tailer.
type Option func(*Tailer)

// WithTailBytes requests that the first poll start tailBytes before EOF
// instead of at EOF, used once on boot to pick up recent lines.
func WithTailBytes(tailBytes int64) Option {
	return func(t *Tailer) { t.tailBytes = tailBytes }
}

// WithMaxReadBytes overrides the per-poll read cap.
func WithMaxReadBytes(max int64) Option {
	return func(t *Tailer) { t.maxReadBytes = max }
}

// New creates a Tailer for path. The cursor is uninitialized until the
// first ReadNewLines call.
func New(path string, logger *logging.Logger, opts ...Option) *Tailer {
	t := &Tailer{
		path:         path,
		maxReadBytes: defaultMaxReadBytes,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ReadNewLines returns any complete lines appended since the last poll.
// A missing file, an uninitialized non-tailing cursor, a rotation with no
// new data yet, or a trailing partial line all return an empty, non-error
// result — the caller just polls again next tick.
func (t *Tailer) ReadNewLines() ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, err := os.Stat(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	currentSize := info.Size()

	if !t.initialized {
		if t.tailBytes > 0 {
			t.lastPos = currentSize - t.tailBytes
			if t.lastPos < 0 {
				t.lastPos = 0
			}
		} else {
			t.lastPos = currentSize
		}
		t.initialized = true

		if t.tailBytes == 0 {
			return nil, nil
		}
	}

	if currentSize < t.lastPos {
		// Rotation: the file was truncated or replaced.
		t.lastPos = 0
	}

	if currentSize == t.lastPos {
		return nil, nil
	}

	f, err := os.Open(t.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(t.lastPos, 0); err != nil {
		return nil, err
	}

	chunk := make([]byte, t.maxReadBytes)
	n, err := f.Read(chunk)
	if err != nil && n == 0 {
		return nil, err
	}
	chunk = chunk[:n]

	if n == 0 {
		return nil, nil
	}

	lastNewline := bytes.LastIndexByte(chunk, '\n')
	if lastNewline == -1 {
		if int64(len(chunk)) < t.maxReadBytes {
			// Partial line at EOF; wait for more data without advancing.
			return nil, nil
		}
		// A full read with no newline: skip it to bound memory use.
		t.lastPos += int64(len(chunk))
		if t.logger != nil {
			t.logger.Warn(context.Background(), "log tailer skipped oversized line", map[string]interface{}{
				"path":  t.path,
				"bytes": len(chunk),
			})
		}
		return nil, nil
	}

	validChunk := chunk[:lastNewline+1]
	t.lastPos += int64(len(validChunk))

	content := strings.ToValidUTF8(string(validChunk), "")
	lines := splitLines(content)
	return lines, nil
}

// splitLines mimics Python's str.splitlines(): split on \n, trimming a
// trailing \r from each line, and drop the final empty element produced
// by a trailing newline.
func splitLines(s string) []string {
	raw := strings.Split(s, "\n")
	if len(raw) > 0 && raw[len(raw)-1] == "" {
		raw = raw[:len(raw)-1]
	}
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		lines = append(lines, strings.TrimSuffix(line, "\r"))
	}
	return lines
}
