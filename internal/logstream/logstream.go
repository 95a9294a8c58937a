// Package logstream captures operational log records emitted during a job
// into a bounded buffer so they can be returned in the response alongside
// user-code output.
//
// Starting streaming installs a tee handler on the operational logger:
// records still reach the original handler, and a formatted copy of each
// record at or above the requested level is appended to the buffer.
// Stopping restores the original logger. The buffer is a FIFO that drops
// the oldest entries on overflow, and is safe for concurrent producers —
// fire-and-forget goroutines (cache sync, metrics) may log from any
// goroutine while the request goroutine drains.
package logstream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/runpod-workers/worker-flash/internal/config"
	"github.com/runpod-workers/worker-flash/internal/logging"
)

// Streamer buffers formatted log lines up to a fixed capacity.
type Streamer struct {
	mu        sync.Mutex
	buf       []string
	max       int
	streaming bool
	prev      *slog.Logger
}

// New creates a streamer with the given buffer capacity.
// A non-positive capacity uses the default.
func New(maxEntries int) *Streamer {
	if maxEntries <= 0 {
		maxEntries = config.LogBufferSize
	}
	return &Streamer{max: maxEntries}
}

// Start installs the capturing handler at the given level. A second Start
// without an intervening Stop is a no-op.
func (s *Streamer) Start(level slog.Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streaming {
		return
	}
	s.streaming = true
	s.prev = logging.Op()
	tee := &teeHandler{inner: s.prev.Handler(), streamer: s, level: level}
	logging.SetOp(slog.New(tee))
}

// Stop detaches the capturing handler and restores the prior logger.
func (s *Streamer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming {
		return
	}
	s.streaming = false
	if s.prev != nil {
		logging.SetOp(s.prev)
		s.prev = nil
	}
}

// Append adds one formatted line to the buffer, evicting the oldest entry
// when full.
func (s *Streamer) Append(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == s.max {
		copy(s.buf, s.buf[1:])
		s.buf = s.buf[:len(s.buf)-1]
	}
	s.buf = append(s.buf, line)
}

// Drain returns all buffered lines joined with newlines and clears the
// buffer.
func (s *Streamer) Drain() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return ""
	}
	out := strings.Join(s.buf, "\n")
	s.buf = s.buf[:0]
	return out
}

// Len returns the number of buffered lines.
func (s *Streamer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// teeHandler forwards records to the wrapped handler and mirrors a
// formatted copy into the streamer buffer.
type teeHandler struct {
	inner    slog.Handler
	streamer *Streamer
	level    slog.Level
	attrs    []slog.Attr
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level || h.inner.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.level {
		h.streamer.Append(formatRecord(r, h.attrs))
	}
	if h.inner.Enabled(ctx, r.Level) {
		return h.inner.Handle(ctx, r)
	}
	return nil
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &teeHandler{inner: h.inner.WithAttrs(attrs), streamer: h.streamer, level: h.level, attrs: merged}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{inner: h.inner.WithGroup(name), streamer: h.streamer, level: h.level, attrs: h.attrs}
}

func formatRecord(r slog.Record, attrs []slog.Attr) string {
	var b strings.Builder
	b.WriteString(r.Time.Format("2006-01-02 15:04:05"))
	b.WriteString(" | ")
	b.WriteString(fmt.Sprintf("%-5s", r.Level.String()))
	b.WriteString(" | ")
	b.WriteString(r.Message)
	for _, a := range attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	return b.String()
}
