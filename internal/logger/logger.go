package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for relayed engine output.
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes where relayed engine output lines are persisted.
// The engine's stdout and stderr are merged into a single stream, so a
// session writes exactly one rotating file. If Path is empty and Dir is
// set, the file is Dir/<name>.engine.log. Rotation parameters follow
// lumberjack semantics.
type Config struct {
	Dir        string `json:"dir" mapstructure:"dir"`
	Path       string `json:"path" mapstructure:"path"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// Writer returns an io.WriteCloser for the merged engine output of the
// named session, or nil when no destination is configured.
func (c Config) Writer(name string) io.WriteCloser {
	path := c.Path
	if path == "" && c.Dir != "" {
		path = filepath.Join(c.Dir, fmt.Sprintf("%s.engine.log", name))
	}
	if path == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// ParseLevel maps a config string onto a slog level. Unknown values
// default to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the session logger. When color is enabled the handler
// decorates levels with ANSI codes for terminal output.
func New(w io.Writer, level slog.Level, color bool) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: level}
	if color {
		return slog.New(levelColorHandler{next: slog.NewTextHandler(w, opts)})
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

const colorReset = "\033[0m"

// levelColors holds the ANSI escape for each level's tag.
var levelColors = map[slog.Level]string{
	slog.LevelDebug: "\033[36m",
	slog.LevelInfo:  "\033[32m",
	slog.LevelWarn:  "\033[33m",
	slog.LevelError: "\033[31m",
}

// levelColorHandler prefixes each record's message with a colored level
// tag and delegates everything else to the wrapped text handler. The
// wrapper survives WithAttrs and WithGroup, so derived loggers keep the
// coloring.
type levelColorHandler struct {
	next slog.Handler
}

func (h levelColorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h levelColorHandler) Handle(ctx context.Context, r slog.Record) error {
	code, ok := levelColors[r.Level]
	if !ok {
		code = colorReset
	}
	r.Message = code + r.Level.String() + colorReset + "  " + r.Message
	return h.next.Handle(ctx, r)
}

func (h levelColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return levelColorHandler{next: h.next.WithAttrs(attrs)}
}

func (h levelColorHandler) WithGroup(name string) slog.Handler {
	return levelColorHandler{next: h.next.WithGroup(name)}
}
