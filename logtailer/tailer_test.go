package logtailer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(content)
	require.NoError(t, err)
}

func TestTailerMissingFile(t *testing.T) {
	tailer := New(filepath.Join(t.TempDir(), "missing.log"), nil)
	lines, err := tailer.ReadNewLines()
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestTailerStartsAtEOFWithoutTailing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	writeFile(t, path, "line one\nline two\n")

	tailer := New(path, nil)
	lines, err := tailer.ReadNewLines()
	require.NoError(t, err)
	assert.Empty(t, lines, "first poll without tail_bytes must not replay existing content")

	appendFile(t, path, "line three\n")
	lines, err = tailer.ReadNewLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"line three"}, lines)
}

func TestTailerTailBytesReplaysRecentLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	writeFile(t, path, "old one\nold two\nold three\n")

	tailer := New(path, nil, WithTailBytes(9))
	lines, err := tailer.ReadNewLines()
	require.NoError(t, err)
	assert.NotEmpty(t, lines)
}

func TestTailerDetectsRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	writeFile(t, path, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa\n")

	tailer := New(path, nil)
	_, err := tailer.ReadNewLines()
	require.NoError(t, err)

	// Rotation: file replaced with something much smaller.
	writeFile(t, path, "new\n")
	lines, err := tailer.ReadNewLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, lines)
}

func TestTailerWaitsOnPartialLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	writeFile(t, path, "")

	tailer := New(path, nil)
	_, err := tailer.ReadNewLines()
	require.NoError(t, err)

	appendFile(t, path, "no newline yet")
	lines, err := tailer.ReadNewLines()
	require.NoError(t, err)
	assert.Empty(t, lines, "a partial line with no trailing newline must not be emitted yet")

	appendFile(t, path, "\n")
	lines, err = tailer.ReadNewLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"no newline yet"}, lines)
}

func TestTailerSkipsOversizedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	writeFile(t, path, "")

	tailer := New(path, nil, WithMaxReadBytes(16))
	_, err := tailer.ReadNewLines()
	require.NoError(t, err)

	appendFile(t, path, "1234567890123456") // exactly one cap's worth, no newline
	lines, err := tailer.ReadNewLines()
	require.NoError(t, err)
	assert.Empty(t, lines)

	// The oversized bytes were skipped; subsequent newline-terminated
	// content is read normally.
	appendFile(t, path, "next\n")
	lines, err = tailer.ReadNewLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"next"}, lines)
}
