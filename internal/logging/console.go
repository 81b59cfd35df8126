package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// consoleHandler writes one human-readable line per record:
//
//	2006-01-02T15:04:05Z07:00 enclave[1234]: [info] vpn: tunnel up tunnel=wg0
//
// The component attribute becomes the tag before the message. Groups are
// flattened into dotted keys.
type consoleHandler struct {
	out    io.Writer
	mu     *sync.Mutex
	level  slog.Leveler
	prefix string // "<name>[<pid>]: "

	component string
	attrs     []byte // preformatted " k=v" pairs from With
	group     string // dotted group prefix for later keys
}

func newConsoleHandler(out io.Writer, name string, level slog.Leveler) *consoleHandler {
	return &consoleHandler{
		out:    out,
		mu:     new(sync.Mutex),
		level:  level,
		prefix: fmt.Sprintf("%s[%d]: ", strings.ToLower(name), os.Getpid()),
	}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, r slog.Record) error {
	t := r.Time
	if t.IsZero() {
		t = time.Now()
	}
	buf := make([]byte, 0, 256)
	buf = t.AppendFormat(buf, time.RFC3339)
	buf = append(buf, ' ')
	buf = append(buf, h.prefix...)
	buf = append(buf, '[')
	buf = append(buf, strings.ToLower(r.Level.String())...)
	buf = append(buf, "] "...)

	component := h.component
	var rest []byte
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == componentKey && h.group == "" {
			component = a.Value.String()
			return true
		}
		rest = appendAttr(rest, h.group, a)
		return true
	})
	if component != "" {
		buf = append(buf, strings.ToLower(component)...)
		buf = append(buf, ": "...)
	}
	buf = append(buf, r.Message...)
	buf = append(buf, h.attrs...)
	buf = append(buf, rest...)
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.out.Write(buf)
	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append([]byte(nil), h.attrs...)
	for _, a := range attrs {
		if a.Key == componentKey && h.group == "" {
			c.component = a.Value.String()
			continue
		}
		c.attrs = appendAttr(c.attrs, h.group, a)
	}
	return &c
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.group = h.group + name + "."
	return &c
}

func appendAttr(buf []byte, group string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	if a.Value.Kind() == slog.KindGroup {
		sub := group
		if a.Key != "" {
			sub += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			buf = appendAttr(buf, sub, ga)
		}
		return buf
	}

	buf = append(buf, ' ')
	buf = append(buf, group...)
	buf = append(buf, a.Key...)
	buf = append(buf, '=')

	var val string
	switch a.Value.Kind() {
	case slog.KindDuration:
		val = a.Value.Duration().String()
	case slog.KindTime:
		val = a.Value.Time().Format(time.RFC3339)
	default:
		val = a.Value.String()
	}
	if val == "" || strings.ContainsAny(val, " \t\n\"=") {
		return strconv.AppendQuote(buf, val)
	}
	return append(buf, val...)
}
