// Package logging is the page healer's structured logger, built on log/slog.
//
// One process-wide logger is configured by Setup. Repair transactions and
// HTTP requests attach their IDs to a context, and FromContext returns a
// logger that carries them, so every line of one repair can be grouped.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

// SlogLevelNotice sits between info and warn. Benign outcomes that an
// operator should still see, such as a page that turned out to be healthy,
// use it.
const SlogLevelNotice = slog.Level(2)

// Level is a configured minimum log level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelNotice
	LevelWarn
	LevelError
)

var levelNames = map[string]Level{
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"notice":  LevelNotice,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
}

// ParseLevel maps a level name to a Level. Unknown names map to LevelInfo.
func ParseLevel(name string) Level {
	if l, ok := levelNames[strings.ToLower(strings.TrimSpace(name))]; ok {
		return l
	}
	return LevelInfo
}

func (l Level) toSlog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelNotice:
		return SlogLevelNotice
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Format is the output encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatText
)

// ParseFormat maps "json" or "text" to a Format. Anything else is JSON.
func ParseFormat(name string) Format {
	if strings.EqualFold(strings.TrimSpace(name), "text") {
		return FormatText
	}
	return FormatJSON
}

var (
	current atomic.Pointer[slog.Logger]
	level   = new(slog.LevelVar)
)

func init() {
	Setup(os.Stderr, LevelInfo, FormatJSON)
}

// Setup replaces the process-wide logger. Timestamps are RFC 3339 and the
// notice level prints as NOTICE.
func Setup(w io.Writer, l Level, format Format) *slog.Logger {
	level.Set(l.toSlog())
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: replaceAttr}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if format == FormatText {
		h = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(h)
	current.Store(logger)
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the minimum level without rebuilding the logger.
func SetLevel(l Level) { level.Set(l.toSlog()) }

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.TimeKey:
		return slog.String(slog.TimeKey, a.Value.Time().Format(time.RFC3339))
	case slog.LevelKey:
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == SlogLevelNotice {
			return slog.String(slog.LevelKey, "NOTICE")
		}
	}
	return a
}

// Logger returns the process-wide logger.
func Logger() *slog.Logger { return current.Load() }

type ctxKey int

const (
	requestIDKey ctxKey = iota
	repairIDKey
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithRepairID tags ctx with the ID of a repair transaction.
func WithRepairID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, repairIDKey, id)
}

func RepairID(ctx context.Context) string {
	id, _ := ctx.Value(repairIDKey).(string)
	return id
}

// FromContext returns the logger with any request and repair IDs found in
// ctx attached.
func FromContext(ctx context.Context) *slog.Logger {
	logger := Logger()
	if id := RequestID(ctx); id != "" {
		logger = logger.With("request_id", id)
	}
	if id := RepairID(ctx); id != "" {
		logger = logger.With("repair_id", id)
	}
	return logger
}

// ForPage returns a logger scoped to one block of one relation file.
func ForPage(ctx context.Context, path string, block uint32) *slog.Logger {
	return FromContext(ctx).With("path", path, "block", block)
}

func Debug(msg string, args ...any) { Logger().Debug(msg, args...) }

func Info(msg string, args ...any) { Logger().Info(msg, args...) }

func Warn(msg string, args ...any) { Logger().Warn(msg, args...) }

func Error(msg string, args ...any) { Logger().Error(msg, args...) }

// RepairOutcome logs the end of a repair transaction at level.
func RepairOutcome(ctx context.Context, lvl slog.Level, outcome, path string, block uint32, args ...any) {
	attrs := append([]any{"outcome", outcome, "path", path, "block", block}, args...)
	FromContext(ctx).Log(ctx, lvl, "repair_outcome", attrs...)
}

// HTTPRequest logs one served request.
func HTTPRequest(ctx context.Context, method, path, remoteAddr string, status int, elapsed time.Duration) {
	FromContext(ctx).Info("http_request",
		"method", method,
		"path", path,
		"remote_addr", remoteAddr,
		"status_code", status,
		"duration_ms", elapsed.Milliseconds(),
	)
}

// WebSocketEvent logs a client joining or leaving the live feed.
func WebSocketEvent(event string, clients int, args ...any) {
	Logger().Info("websocket_event", append([]any{"event", event, "client_count", clients}, args...)...)
}

// ServerStartup logs a listener coming up.
func ServerStartup(kind, addr string, args ...any) {
	Logger().Info("server_startup", append([]any{"server_type", kind, "addr", addr}, args...)...)
}
