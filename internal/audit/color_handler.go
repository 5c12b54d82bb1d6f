package audit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// ANSI colors for the development handler.
const (
	colorReset  = "\x1b[0m"
	colorRed    = "\x1b[31m"
	colorGreen  = "\x1b[32m"
	colorYellow = "\x1b[33m"
	colorCyan   = "\x1b[36m"
)

// colorHandler renders one event per line for humans:
//
//	15:04:05.000 WARN  rate_limit_blocked client_id=ip:1.2.3.4 action=DENY remaining_tokens=0
type colorHandler struct {
	mu    sync.Mutex
	w     io.Writer
	attrs []slog.Attr
}

func newColorHandler(w io.Writer) *colorHandler {
	return &colorHandler{w: w}
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelDebug
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	color := colorGreen
	switch {
	case r.Level >= slog.LevelError:
		color = colorRed
	case r.Level >= slog.LevelWarn:
		color = colorYellow
	case r.Level < slog.LevelInfo:
		color = colorCyan
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s%-5s%s %s",
		r.Time.Format("15:04:05.000"), color, r.Level.String(), colorReset, r.Message)
	for _, a := range h.attrs {
		writeAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func writeAttr(b *strings.Builder, a slog.Attr) {
	if a.Key == "event_type" {
		// Already the message.
		return
	}
	fmt.Fprintf(b, " %s=%v", a.Key, a.Value.Resolve())
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &colorHandler{w: h.w, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h *colorHandler) WithGroup(string) slog.Handler { return h }

var _ slog.Handler = (*colorHandler)(nil)
