package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// PrefixKey is lifted out of the attribute list and printed before the
// message, so interleaved lines from concurrent generations stay readable:
//
//	[2006-01-02 15:04:05] INFO  gen_1a2b3c4d round complete accepted=3 drafted=4
const PrefixKey = "generation"

// prefixLen bounds the printed prefix; ids share a fixed "gen_" head.
const prefixLen = 12

// PrettyHandler is a slog.Handler for terminals. Besides colour it renders
// keys ending in "_rate" as percentages and rounds short durations.
type PrettyHandler struct {
	opts   slog.HandlerOptions
	w      io.Writer
	mu     *sync.Mutex
	group  string
	prefix string
	attrs  []slog.Attr
}

func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &PrettyHandler{
		opts: *opts,
		w:    w,
		mu:   &sync.Mutex{},
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)

	buf = append(buf, colorGray...)
	buf = append(buf, '[')
	buf = r.Time.AppendFormat(buf, time.DateTime)
	buf = append(buf, ']')
	buf = append(buf, colorReset...)
	buf = append(buf, ' ')

	buf = append(buf, levelColor(r.Level)...)
	buf = append(buf, colorBold...)
	buf = append(buf, padLevel(r.Level.String())...)
	buf = append(buf, colorReset...)
	buf = append(buf, ' ')

	prefix := h.prefix
	attrs := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == PrefixKey && h.group == "" {
			prefix = a.Value.String()
			return true
		}
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		attrs = append(attrs, a)
		return true
	})
	if prefix != "" {
		buf = append(buf, colorGray...)
		buf = append(buf, shorten(prefix)...)
		buf = append(buf, colorReset...)
		buf = append(buf, ' ')
	}

	buf = append(buf, r.Message...)

	for _, attr := range attrs {
		buf = append(buf, ' ')
		buf = appendAttr(buf, attr)
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		if a.Key == PrefixKey && h.group == "" {
			next.prefix = a.Value.String()
			continue
		}
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.group != "" {
		next.group = h.group + "." + name
	} else {
		next.group = name
	}
	return &next
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return colorRed
	case level >= slog.LevelWarn:
		return colorYellow
	case level >= slog.LevelInfo:
		return colorBlue
	default:
		return colorGray
	}
}

func padLevel(level string) string {
	if len(level) == 4 {
		return level + " "
	}
	return level
}

func shorten(id string) string {
	if len(id) <= prefixLen {
		return id
	}
	return id[:prefixLen]
}

// appendAttr writes attr with its key already qualified by any group.
func appendAttr(buf []byte, attr slog.Attr) []byte {
	attr.Value = attr.Value.Resolve()
	key := attr.Key

	color := colorCyan
	if key == "error" || strings.HasSuffix(key, ".error") {
		color = colorRed
	}
	buf = append(buf, color...)
	buf = append(buf, key...)
	buf = append(buf, '=')
	buf = appendValue(buf, key, attr.Value)
	buf = append(buf, colorReset...)
	return buf
}

func appendValue(buf []byte, key string, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		return appendString(buf, v.String())
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339)
	case slog.KindDuration:
		return append(buf, roundDuration(v.Duration()).String()...)
	case slog.KindFloat64:
		f := v.Float64()
		if strings.HasSuffix(key, "_rate") {
			buf = strconv.AppendFloat(buf, f*100, 'f', 1, 64)
			return append(buf, '%')
		}
		return strconv.AppendFloat(buf, f, 'g', 6, 64)
	case slog.KindGroup:
		buf = append(buf, '{')
		for i, a := range v.Group() {
			if i > 0 {
				buf = append(buf, ' ')
			}
			buf = append(buf, a.Key...)
			buf = append(buf, '=')
			buf = appendValue(buf, a.Key, a.Value.Resolve())
		}
		return append(buf, '}')
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return appendString(buf, err.Error())
		}
		return appendString(buf, fmt.Sprint(v.Any()))
	default:
		return append(buf, v.String()...)
	}
}

func appendString(buf []byte, s string) []byte {
	if needsQuoting(s) {
		return strconv.AppendQuote(buf, s)
	}
	return append(buf, s...)
}

// roundDuration drops sub-microsecond noise from millisecond-scale timings.
func roundDuration(d time.Duration) time.Duration {
	switch {
	case d >= time.Second:
		return d.Round(time.Millisecond)
	case d >= time.Millisecond:
		return d.Round(time.Microsecond)
	default:
		return d
	}
}

func needsQuoting(s string) bool {
	if s == "" {
		return true
	}
	for _, c := range s {
		if c == ' ' || c == '\t' || c == '\n' || c == '"' || c == '=' {
			return true
		}
	}
	return false
}
