package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"

	"linkroute/internal/config"
)

const (
	ansiReset  = "\x1b[0m"
	ansiBlue   = "\x1b[34m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiCyan   = "\x1b[36m"
	ansiRed    = "\x1b[31m"
	ansiGray   = "\x1b[90m"
)

var (
	quotedPattern = regexp.MustCompile(`"[^"\n]*"`)
	urlPattern    = regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9+.-]*://[^\s"]+`)
	keyPattern    = regexp.MustCompile(`\b(?:account_id|pattern|mode|target|source|reason)=`)
)

// New builds a logger for configured sinks and returns a cleanup function.
// Params: cfg contains console/file sink settings.
// Returns: slog logger, cleanup callback, and setup error.
func New(cfg config.LogConfig) (*slog.Logger, func(), error) {
	return newWithConsole(cfg, os.Stdout)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func newWithConsole(cfg config.LogConfig, console io.Writer) (*slog.Logger, func(), error) {
	var (
		handlers []slog.Handler
		closers  []io.Closer
	)

	if cfg.Console.Enabled {
		handler, err := buildConsoleHandler(cfg.Console, console)
		if err != nil {
			return nil, nil, fmt.Errorf("build console handler: %w", err)
		}
		handlers = append(handlers, handler)
	}

	if cfg.File.Enabled {
		handler, closer, err := buildFileHandler(cfg.File)
		if err != nil {
			return nil, nil, fmt.Errorf("build file handler: %w", err)
		}
		handlers = append(handlers, handler)
		closers = append(closers, closer)
	}

	if len(handlers) == 0 {
		return nil, nil, errors.New("no log sinks enabled")
	}

	closeFn := func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0]), closeFn, nil
	}
	return slog.New(teeHandler{handlers: handlers}), closeFn, nil
}

// buildConsoleHandler creates a console sink handler.
// Params: sink settings and output writer.
// Returns: configured slog handler or error.
func buildConsoleHandler(sink config.LogSinkConfig, dst io.Writer) (slog.Handler, error) {
	level, err := parseLevel(sink.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return attr
		},
	}

	switch sink.Format {
	case "line":
		return slog.NewTextHandler(&colorLineWriter{dst: dst}, opts), nil
	case "json":
		return slog.NewJSONHandler(dst, opts), nil
	default:
		return nil, fmt.Errorf("unsupported console format %q", sink.Format)
	}
}

// buildFileHandler creates a file sink handler.
// Params: sink contains path, level, and format.
// Returns: handler, file closer, and error.
func buildFileHandler(sink config.LogSinkConfig) (slog.Handler, io.Closer, error) {
	level, err := parseLevel(sink.Level)
	if err != nil {
		return nil, nil, err
	}

	file, err := os.OpenFile(sink.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open file %q: %w", sink.Path, err)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch sink.Format {
	case "line":
		return slog.NewTextHandler(file, opts), file, nil
	case "json":
		return slog.NewJSONHandler(file, opts), file, nil
	default:
		_ = file.Close()
		return nil, nil, fmt.Errorf("unsupported file format %q", sink.Format)
	}
}

// parseLevel converts configured level name into slog.Level.
// Params: level name, case-insensitive (debug, info, warn, error).
// Returns: slog level or error for unknown names.
func parseLevel(value string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unsupported level %q", value)
	}
	return level, nil
}

// teeHandler fan-outs one record to multiple handlers.
type teeHandler struct {
	handlers []slog.Handler
}

// Enabled reports whether any sink accepts level.
func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range t.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle forwards the record to all enabled downstream handlers.
// Params: ctx context and record to write.
// Returns: joined error of failing sinks.
func (t teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range t.handlers {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WithAttrs returns tee whose sinks all carry attrs.
func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return t.derive(func(handler slog.Handler) slog.Handler { return handler.WithAttrs(attrs) })
}

// WithGroup returns tee whose sinks all open group name.
func (t teeHandler) WithGroup(name string) slog.Handler {
	return t.derive(func(handler slog.Handler) slog.Handler { return handler.WithGroup(name) })
}

func (t teeHandler) derive(apply func(slog.Handler) slog.Handler) teeHandler {
	next := make([]slog.Handler, len(t.handlers))
	for i, handler := range t.handlers {
		next[i] = apply(handler)
	}
	return teeHandler{handlers: next}
}

// colorLineWriter wraps console line logs with level-based color.
// Params: dst is output writer.
// Returns: bytes written or write error.
type colorLineWriter struct {
	dst io.Writer
}

// Write colors one line according to its level marker.
// Params: payload is rendered slog line.
// Returns: bytes written or write error.
func (w *colorLineWriter) Write(payload []byte) (int, error) {
	line := string(payload)
	tone := levelColor(line)
	if tone == "" {
		return w.dst.Write(payload)
	}

	rendered := tone + highlightLineTokens(line, tone) + ansiReset
	n, err := w.dst.Write([]byte(rendered))
	if n > len(payload) {
		n = len(payload)
	}
	return n, err
}

var levelTones = []struct {
	marker string
	color  string
}{
	{"level=DEBUG", ansiGray},
	{"level=INFO", ansiBlue},
	{"level=WARN", ansiYellow},
	{"level=ERROR", ansiRed},
}

// levelColor picks line color from the rendered level field.
// Params: one rendered slog line.
// Returns: ANSI color, or empty string for lines without a known level.
func levelColor(line string) string {
	for _, tone := range levelTones {
		if strings.Contains(line, tone.marker) {
			return tone.color
		}
	}
	return ""
}

type colorRegion struct {
	start    int
	end      int
	color    string
	priority int
}

// highlightLineTokens colors routing keys, URLs, and quoted values, restoring base color after each token.
// Params: line rendered line text; baseColor line-level color.
// Returns: line text with ANSI token highlights.
func highlightLineTokens(line, baseColor string) string {
	regions := collectColorRegions(line)
	if len(regions) == 0 {
		return line
	}

	var builder strings.Builder
	builder.Grow(len(line) + len(regions)*12)
	cursor := 0
	for _, region := range regions {
		builder.WriteString(line[cursor:region.start])
		builder.WriteString(region.color)
		builder.WriteString(line[region.start:region.end])
		builder.WriteString(ansiReset)
		builder.WriteString(baseColor)
		cursor = region.end
	}
	builder.WriteString(line[cursor:])
	return builder.String()
}

// collectColorRegions returns sorted non-overlapping token regions.
// Params: line rendered line text.
// Returns: regions ordered by start offset; lower priority wins overlaps.
func collectColorRegions(line string) []colorRegion {
	var all []colorRegion
	for _, tok := range []struct {
		pattern  *regexp.Regexp
		color    string
		priority int
	}{
		{quotedPattern, ansiGreen, 1},
		{urlPattern, ansiCyan, 2},
		{keyPattern, ansiYellow, 3},
	} {
		for _, pair := range tok.pattern.FindAllStringIndex(line, -1) {
			all = append(all, colorRegion{start: pair[0], end: pair[1], color: tok.color, priority: tok.priority})
		}
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].start == all[j].start {
			return all[i].priority < all[j].priority
		}
		return all[i].start < all[j].start
	})

	out := make([]colorRegion, 0, len(all))
	cursor := 0
	for _, region := range all {
		if region.start < cursor || region.start >= region.end {
			continue
		}
		out = append(out, region)
		cursor = region.end
	}
	return out
}
