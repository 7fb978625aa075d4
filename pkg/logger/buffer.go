package logger

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultBufferSize is the number of lines kept for the dashboard.
const DefaultBufferSize = 1000

// Buffer keeps the most recent formatted log lines. It is an io.Writer so a
// slog text handler can write into it; each write becomes one line
// prefixed with the wall clock time.
type Buffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
	now   func() time.Time
}

// NewBuffer creates a Buffer holding up to size lines.
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Buffer{lines: make([]string, size), now: time.Now}
}

// Write stores p as a line.
func (b *Buffer) Write(p []byte) (int, error) {
	line := "[" + b.now().Format("15:04:05") + "] " + strings.TrimRight(string(p), "\n")
	b.mu.Lock()
	b.lines[b.next] = line
	b.next = (b.next + 1) % len(b.lines)
	if b.next == 0 {
		b.full = true
	}
	b.mu.Unlock()
	return len(p), nil
}

// Lines returns the buffered lines, oldest first and newest last.
func (b *Buffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.full {
		out := make([]string, b.next)
		copy(out, b.lines[:b.next])
		return out
	}
	out := make([]string, 0, len(b.lines))
	out = append(out, b.lines[b.next:]...)
	return append(out, b.lines[:b.next]...)
}

// Handler returns a slog handler writing into b. The time attribute is
// dropped since Write adds its own.
func (b *Buffer) Handler(level slog.Leveler) slog.Handler {
	return slog.NewTextHandler(b, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if len(groups) == 0 && attr.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return attr
		},
	})
}
