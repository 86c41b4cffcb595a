// Package logging provides the swarm engine's structured, colorized
// diagnostic log: an slog.Handler that prints a timestamp, level, and
// message with fatih/color highlighting, so engine and peersession can
// log connect/handshake/choke/verify events without any particular
// log-presentation policy living in those packages.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Options configures the pretty handler. The zero value is usable via
// Default.
type Options struct {
	Level      slog.Level
	UseColor   bool
	TimeFormat string
}

// Default returns the engine's usual logging configuration: info level,
// colorized, RFC3339 timestamps.
func Default() Options {
	return Options{
		Level:      slog.LevelInfo,
		UseColor:   true,
		TimeFormat: time.RFC3339,
	}
}

// handler is a compact slog.Handler that writes one colorized line per
// record: "<time> <LEVEL> <message> key=value ...".
type handler struct {
	opts   Options
	writer io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr

	colorTime    func(...any) string
	colorMessage func(...any) string
	colorLevel   map[slog.Level]func(...any) string
}

// New builds a logger writing to w with the given options.
func New(w io.Writer, opts Options) *slog.Logger {
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.RFC3339
	}
	h := &handler{opts: opts, writer: w, mu: &sync.Mutex{}}
	h.initColors()
	return slog.New(h)
}

func (h *handler) initColors() {
	noColor := func(a ...any) string { return fmt.Sprint(a...) }
	if !h.opts.UseColor {
		h.colorTime = noColor
		h.colorMessage = noColor
		h.colorLevel = map[slog.Level]func(...any) string{
			slog.LevelDebug: noColor,
			slog.LevelInfo:  noColor,
			slog.LevelWarn:  noColor,
			slog.LevelError: noColor,
		}
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorMessage = color.New(color.FgCyan).SprintFunc()
	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgGreen).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed, color.Bold).SprintFunc(),
	}
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	level := r.Level.String()
	if c, ok := h.colorLevel[r.Level]; ok {
		level = c(level)
	}

	line := fmt.Sprintf("%s %s %s", h.colorTime(r.Time.Format(h.opts.TimeFormat)), level, h.colorMessage(r.Message))

	for _, a := range h.attrs {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})

	_, err := fmt.Fprintln(h.writer, line)
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return &handler{
		opts:         h.opts,
		writer:       h.writer,
		mu:           h.mu,
		attrs:        append(append([]slog.Attr(nil), h.attrs...), attrs...),
		colorTime:    h.colorTime,
		colorMessage: h.colorMessage,
		colorLevel:   h.colorLevel,
	}
}

func (h *handler) WithGroup(_ string) slog.Handler {
	return h
}
