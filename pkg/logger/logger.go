// Package logger installs the process-wide slog handler.
//
// Every package logs through log/slog key-value calls. Init is called
// once at startup; below debug level, records from third-party
// dependencies are dropped so operator output stays readable.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
)

const modulePath = "github.com/munshi-ai/munshi"

// ParseLevel maps a config string to a slog.Level. Accepted values are
// debug, info, warn/warning, and error.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// Init installs the default slog handler. Formats: "simple" renders
// "LEVEL message k=v", "verbose" prefixes a timestamp, "json" uses the
// stock JSON handler. ANSI colors turn on when output is a terminal.
func Init(level slog.Level, output *os.File, format string) {
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})
	case "verbose":
		handler = &lineHandler{out: output, level: level, color: isTerminal(output), stamped: true}
	default:
		handler = &lineHandler{out: output, level: level, color: isTerminal(output)}
	}
	slog.SetDefault(slog.New(&ownRecordsHandler{next: handler, level: level}))
}

// OpenLogFile opens path for appending, creating it if needed. The
// returned func closes the file.
func OpenLogFile(path string) (*os.File, func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

// ownRecordsHandler drops records whose call site is outside this
// module, unless the level is debug. Dependencies that log through
// slog otherwise drown the operator's view.
type ownRecordsHandler struct {
	next  slog.Handler
	level slog.Level
}

func (h *ownRecordsHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level && h.next.Enabled(ctx, level)
}

func (h *ownRecordsHandler) Handle(ctx context.Context, rec slog.Record) error {
	if h.level > slog.LevelDebug && !ownRecord(rec.PC) {
		return nil
	}
	return h.next.Handle(ctx, rec)
}

func (h *ownRecordsHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ownRecordsHandler{next: h.next.WithAttrs(attrs), level: h.level}
}

func (h *ownRecordsHandler) WithGroup(name string) slog.Handler {
	return &ownRecordsHandler{next: h.next.WithGroup(name), level: h.level}
}

// ownRecord reports whether the record's program counter resolves into
// this module. A zero PC (records built without a call site) is treated
// as foreign.
func ownRecord(pc uintptr) bool {
	if pc == 0 {
		return false
	}
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return false
	}
	if strings.HasPrefix(fn.Name(), modulePath) {
		return true
	}
	file, _ := fn.FileLine(pc)
	return strings.Contains(file, "munshi/")
}

// lineHandler renders one record per line: optional timestamp, level,
// message, then attributes as k=v pairs.
type lineHandler struct {
	out     io.Writer
	level   slog.Level
	attrs   []slog.Attr
	color   bool
	stamped bool
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *lineHandler) Handle(_ context.Context, rec slog.Record) error {
	buf := make([]byte, 0, 128)
	if h.stamped && !rec.Time.IsZero() {
		buf = rec.Time.AppendFormat(buf, "2006/01/02 15:04:05 ")
	}
	buf = h.appendLevel(buf, rec.Level)
	buf = append(buf, ' ')
	buf = append(buf, rec.Message...)
	for _, a := range h.attrs {
		buf = appendAttr(buf, a)
	}
	rec.Attrs(func(a slog.Attr) bool {
		buf = appendAttr(buf, a)
		return true
	})
	buf = append(buf, '\n')
	_, err := h.out.Write(buf)
	return err
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

// WithGroup is accepted but flattened; nothing in this module groups.
func (h *lineHandler) WithGroup(string) slog.Handler {
	clone := *h
	return &clone
}

func (h *lineHandler) appendLevel(buf []byte, level slog.Level) []byte {
	name := levelName(level)
	if !h.color {
		return append(buf, name...)
	}
	buf = append(buf, levelColor(level)...)
	buf = append(buf, name...)
	return append(buf, "\033[0m"...)
}

func appendAttr(buf []byte, a slog.Attr) []byte {
	buf = append(buf, ' ')
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	return append(buf, a.Value.String()...)
}

func levelName(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARN"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "\033[31m"
	case level >= slog.LevelWarn:
		return "\033[33m"
	case level >= slog.LevelInfo:
		return "\033[36m"
	default:
		return "\033[90m"
	}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
