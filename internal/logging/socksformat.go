package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// socksHandler renders log records as:
//
//	[YYYY-MM-DDTHH:MM:SSZ LEVEL logger-name] message
//
// in UTC, matching the source implementation's custom logging.Formatter.
// The logger name comes from a "component" attribute attached with
// Logger.With (or "socks5d" if there is none); a "component" attribute
// passed on an individual record is neither used as the name nor
// printed. All other attributes are appended as space-separated
// key=value pairs after the message.
type socksHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
}

func newSocksHandler(w io.Writer, level slog.Leveler) *socksHandler {
	return &socksHandler{mu: &sync.Mutex{}, w: w, level: level}
}

func (h *socksHandler) Enabled(_ context.Context, lvl slog.Level) bool {
	return lvl >= h.level.Level()
}

func (h *socksHandler) Handle(_ context.Context, r slog.Record) error {
	var buf bytes.Buffer

	buf.WriteByte('[')
	buf.WriteString(r.Time.UTC().Format("2006-01-02T15:04:05Z"))
	buf.WriteByte(' ')
	buf.WriteString(levelName(r.Level))
	buf.WriteByte(' ')
	buf.WriteString(h.loggerName())
	buf.WriteString("] ")
	buf.WriteString(r.Message)

	writeAttr := func(a slog.Attr) bool {
		if a.Key == logComponentKey {
			return true
		}
		fmt.Fprintf(&buf, " %s=%v", a.Key, a.Value.Any())
		return true
	}
	for _, a := range h.attrs {
		writeAttr(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		return writeAttr(a)
	})

	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *socksHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := &socksHandler{mu: h.mu, w: h.w, level: h.level, groups: h.groups}
	n.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return n
}

func (h *socksHandler) WithGroup(name string) slog.Handler {
	n := &socksHandler{mu: h.mu, w: h.w, level: h.level, attrs: h.attrs}
	n.groups = append(append([]string{}, h.groups...), name)
	return n
}

const logComponentKey = "component"
const defaultLoggerName = "socks5d"

func (h *socksHandler) loggerName() string {
	for _, a := range h.attrs {
		if a.Key == logComponentKey {
			return a.Value.String()
		}
	}
	return defaultLoggerName
}

// levelName maps slog levels onto the source's upper-case level names
// (WARNING rather than slog's "WARN"), without padding.
func levelName(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "DEBUG"
	case l < slog.LevelWarn:
		return "INFO"
	case l < slog.LevelError:
		return "WARNING"
	default:
		return "ERROR"
	}
}
