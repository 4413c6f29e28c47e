package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// maxBufferedLines bounds the per-run buffer; older lines are dropped
// once the cap is reached, keeping a tail for failure reports.
const maxBufferedLines = 1000

// Buffer captures formatted log lines from one policy run so the
// progress poller can ship new lines to clients and failure reports can
// include the accumulated tail.
type Buffer struct {
	mu      sync.Mutex
	lines   []string
	drained int
}

// Drain returns the lines appended since the previous Drain.
func (b *Buffer) Drain() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.drained >= len(b.lines) {
		return nil
	}
	out := make([]string, len(b.lines)-b.drained)
	copy(out, b.lines[b.drained:])
	b.drained = len(b.lines)
	return out
}

// Tail returns up to n of the most recent lines.
func (b *Buffer) Tail(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := len(b.lines) - n
	if start < 0 {
		start = 0
	}
	out := make([]string, len(b.lines)-start)
	copy(out, b.lines[start:])
	return out
}

func (b *Buffer) append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > maxBufferedLines {
		drop := len(b.lines) - maxBufferedLines
		b.lines = b.lines[drop:]
		b.drained -= drop
		if b.drained < 0 {
			b.drained = 0
		}
	}
}

// NewRunLogger returns a logger for one policy run together with the
// buffer its output is captured in. Records are also forwarded to the
// server logger. In dry-run mode every captured line is prefixed with
// [DRY RUN].
func NewRunLogger(server *slog.Logger, level string, dryRun bool) (*slog.Logger, *Buffer) {
	buf := &Buffer{}
	h := &bufferHandler{
		buf:     buf,
		level:   parseLevel(level),
		dryRun:  dryRun,
		forward: server.Handler(),
	}
	return slog.New(h), buf
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type bufferHandler struct {
	buf     *Buffer
	level   slog.Level
	dryRun  bool
	forward slog.Handler
	attrs   []slog.Attr
}

func (h *bufferHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *bufferHandler) Handle(ctx context.Context, r slog.Record) error {
	var sb strings.Builder
	sb.WriteString(r.Time.Format(time.TimeOnly))
	sb.WriteString(" ")
	sb.WriteString(r.Level.String())
	sb.WriteString(" ")
	if h.dryRun {
		sb.WriteString("[DRY RUN] ")
	}
	sb.WriteString(r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&sb, " %s=%v", a.Key, a.Value)
		return true
	})
	h.buf.append(sb.String())

	if h.forward != nil && h.forward.Enabled(ctx, r.Level) {
		return h.forward.Handle(ctx, r)
	}
	return nil
}

func (h *bufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	if h.forward != nil {
		clone.forward = h.forward.WithAttrs(attrs)
	}
	return &clone
}

func (h *bufferHandler) WithGroup(name string) slog.Handler {
	clone := *h
	if h.forward != nil {
		clone.forward = h.forward.WithGroup(name)
	}
	return &clone
}
