package logging

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

// Mode controls the handler style used when constructing a logger.
type Mode int

const (
	// ModeCLI renders records as one readable line per event.
	ModeCLI Mode = iota
	// ModeJSON renders log records as JSON.
	ModeJSON
)

// Attributes the CLI handler lifts out of the key=value tail and into the
// bracketed prefix. Components tag their loggers with these.
const (
	KeyComponent = "component"
	KeySession   = "session"
	KeyRequest   = "request"
)

// idWidth truncates session and request ids in the CLI prefix.
const idWidth = 8

// New constructs a logger targeting the provided writer using the requested mode.
// If level is nil, slog.LevelInfo is used.
func New(mode Mode, w io.Writer, level slog.Leveler) *slog.Logger {
	if w == nil {
		panic("logging: writer must not be nil")
	}
	if level == nil {
		level = slog.LevelInfo
	}
	if mode == ModeJSON {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(&cliHandler{out: &lockedWriter{w: w}, level: level})
}

// NewCLI constructs a logger for terminals and the daemon's stderr.
func NewCLI(w io.Writer, level slog.Leveler) *slog.Logger {
	return New(ModeCLI, w, level)
}

// NewJSON constructs a logger that emits structured JSON records.
func NewJSON(w io.Writer, level slog.Leveler) *slog.Logger {
	return New(ModeJSON, w, level)
}

// Ensure returns the provided logger or the process default if nil.
func Ensure(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// ParseLevel maps a level name to a slog.Level. An empty value means info.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}

// ParseMode maps "text" (or "cli") and "json" to a Mode.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "text", "cli":
		return ModeCLI, nil
	case "json":
		return ModeJSON, nil
	default:
		return ModeCLI, fmt.Errorf("unknown log format %q", value)
	}
}

// lockedWriter is shared by every handler derived from one logger so lines
// from concurrent sessions and requests never interleave.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) write(line string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := io.WriteString(l.w, line)
	return err
}

// prefix holds the attributes rendered in brackets ahead of the message.
type prefix struct {
	component string
	session   string
	request   string
}

func (p prefix) String() string {
	parts := make([]string, 0, 3)
	if p.component != "" {
		parts = append(parts, p.component)
	}
	if p.session != "" {
		parts = append(parts, "session="+shortID(p.session))
	}
	if p.request != "" {
		parts = append(parts, "request="+shortID(p.request))
	}
	if len(parts) == 0 {
		return ""
	}
	return "[" + strings.Join(parts, " ") + "] "
}

// take records a prefix attribute and reports whether attr was one.
func (p *prefix) take(attr slog.Attr) bool {
	switch attr.Key {
	case KeyComponent:
		p.component = attr.Value.String()
	case KeySession:
		p.session = attr.Value.String()
	case KeyRequest:
		p.request = attr.Value.String()
	default:
		return false
	}
	return true
}

func shortID(id string) string {
	if len(id) > idWidth {
		return id[:idWidth]
	}
	return id
}

type cliHandler struct {
	out   *lockedWriter
	level slog.Leveler

	prefix prefix
	tail   string // pre-rendered WithAttrs attributes
	group  string // dotted WithGroup path, with trailing dot
}

func (h *cliHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *cliHandler) Handle(_ context.Context, record slog.Record) error {
	timestamp := record.Time
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	p := h.prefix
	var tail strings.Builder
	tail.WriteString(h.tail)
	record.Attrs(func(attr slog.Attr) bool {
		if h.group != "" || !p.take(attr) {
			appendAttr(&tail, h.group, attr)
		}
		return true
	})

	line := fmt.Sprintf("%-5s %s %s%s%s\n",
		levelLabel(record.Level),
		timestamp.Local().Format(time.TimeOnly),
		p,
		record.Message,
		tail.String(),
	)
	return h.out.write(line)
}

func (h *cliHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	var tail strings.Builder
	tail.WriteString(h.tail)
	for _, attr := range attrs {
		if h.group != "" || !next.prefix.take(attr) {
			appendAttr(&tail, h.group, attr)
		}
	}
	next.tail = tail.String()
	return &next
}

func (h *cliHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.group = h.group + name + "."
	return &next
}

func levelLabel(level slog.Level) string {
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

func appendAttr(builder *strings.Builder, group string, attr slog.Attr) {
	value := attr.Value.Resolve()
	if value.Kind() == slog.KindGroup {
		nested := group
		if attr.Key != "" {
			nested += attr.Key + "."
		}
		for _, a := range value.Group() {
			appendAttr(builder, nested, a)
		}
		return
	}
	if attr.Equal(slog.Attr{}) {
		return
	}

	builder.WriteByte(' ')
	builder.WriteString(group)
	builder.WriteString(attr.Key)
	builder.WriteByte('=')
	builder.WriteString(formatValue(value))
}

func formatValue(value slog.Value) string {
	switch value.Kind() {
	case slog.KindString:
		s := value.String()
		if s == "" || strings.ContainsAny(s, " \t\n\"=") {
			return strconv.Quote(s)
		}
		return s
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok && err != nil {
			return strconv.Quote(err.Error())
		}
		return fmt.Sprint(value.Any())
	default:
		return value.String()
	}
}
