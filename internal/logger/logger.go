// Package logger is the diagnostic sink the engine writes to. It never
// drives behavior: it is an external collaborator the engine only
// reports to, never one it depends on for correctness.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, matched to slog.Level so standard comparisons
// ("is this enabled at WARN") keep working.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(16)
)

// Severity names accepted in configuration, case-sensitive to match the
// engine's own constants.
const (
	Trace   = "TRACE"
	Debug   = "DEBUG"
	Info    = "INFO"
	Warning = "WARNING"
	Error   = "ERROR"
	Off     = "OFF"
)

// Config describes how the default logger should be constructed. It is
// deliberately smaller than a general-purpose logging config: this engine
// only ever needs a severity, a format, and an optional rotating file sink.
type Config struct {
	FilePath        string
	Format          string // "text" or "json"
	Severity        string
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

func DefaultConfig() Config {
	return Config{
		Format:          "text",
		Severity:        Info,
		MaxFileSizeMB:   512,
		BackupFileCount: 10,
		Compress:        false,
	}
}

type loggerFactory struct {
	file      *lumberjack.Logger
	async     *AsyncLogger
	sysWriter io.Writer
	format    string
	level     string
	prefix    string
}

var (
	defaultLoggerFactory = &loggerFactory{
		sysWriter: os.Stderr,
		format:    "text",
		level:     Info,
	}
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(
		os.Stderr, programLevelVar(Info), ""))
)

// Init (re)builds the default logger from cfg. Called by the mount
// command before it mounts; safe to call again. A prior file-backed logger's
// background writer is flushed and stopped before the new one takes over.
func Init(cfg Config) error {
	if defaultLoggerFactory.async != nil {
		_ = defaultLoggerFactory.async.Close()
	}

	f := &loggerFactory{
		format: cfg.Format,
		level:  cfg.Severity,
		prefix: "",
	}

	var w io.Writer
	if cfg.FilePath != "" {
		f.file = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxFileSizeMB,
			MaxBackups: cfg.BackupFileCount,
			Compress:   cfg.Compress,
		}
		// A mounted filesystem logs from whatever goroutine is handling the
		// current kernel request; routing file writes through a buffered
		// background writer keeps a slow disk from adding latency to
		// every FUSE call.
		f.async = NewAsyncLogger(f.file, 256)
		w = f.async
	} else {
		f.sysWriter = os.Stderr
		w = f.sysWriter
	}

	defaultLoggerFactory = f
	lv := programLevelVar(cfg.Severity)
	defaultLogger = slog.New(f.createJsonOrTextHandler(w, lv, f.prefix))
	return nil
}

// SetLogFormat switches the active logger's encoding without touching its
// destination or level. An empty format means "json", matching the
// teacher's fallback.
func SetLogFormat(format string) {
	defaultLoggerFactory.format = format

	var w io.Writer = defaultLoggerFactory.sysWriter
	if defaultLoggerFactory.async != nil {
		w = defaultLoggerFactory.async
	}
	lv := programLevelVar(defaultLoggerFactory.level)
	defaultLogger = slog.New(defaultLoggerFactory.createJsonOrTextHandler(w, lv, defaultLoggerFactory.prefix))
}

func programLevelVar(severity string) *slog.LevelVar {
	lv := new(slog.LevelVar)
	setLoggingLevel(severity, lv)
	return lv
}

func setLoggingLevel(level string, programLevel *slog.LevelVar) {
	switch level {
	case Trace:
		programLevel.Set(LevelTrace)
	case Debug:
		programLevel.Set(LevelDebug)
	case Info:
		programLevel.Set(LevelInfo)
	case Warning:
		programLevel.Set(LevelWarn)
	case Error:
		programLevel.Set(LevelError)
	case Off:
		programLevel.Set(LevelOff)
	default:
		programLevel.Set(LevelInfo)
	}
}

func (f *loggerFactory) createJsonOrTextHandler(w io.Writer, level *slog.LevelVar, prefix string) slog.Handler {
	if f.format == "json" || f.format == "" {
		return &jsonHandler{w: w, level: level, prefix: prefix}
	}
	return &textHandler{w: w, level: level, prefix: prefix}
}

// Both handlers below are intentionally minimal hand-rolled slog.Handler
// implementations: the engine needs exactly two stable wire formats
// (text for humans tailing a log file, JSON for the handle visualizer-
// style tooling downstream), not the general attribute-grouping machinery
// of slog's built-in handlers.

type textHandler struct {
	w      io.Writer
	level  *slog.LevelVar
	prefix string
}

func severityName(l slog.Level) string {
	switch {
	case l >= LevelError:
		return Error
	case l >= LevelWarn:
		return Warning
	case l >= LevelInfo:
		return Info
	case l >= LevelDebug:
		return Debug
	default:
		return Trace
	}
}

func (h *textHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	sev := severityName(r.Level)
	_, err := fmt.Fprintf(h.w, "time=%q severity=%s message=%q\n",
		r.Time.Format("2006/01/02 15:04:05.000000"), sev, h.prefix+r.Message)
	return err
}

func (h *textHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *textHandler) WithGroup(_ string) slog.Handler       { return h }

type jsonHandler struct {
	w      io.Writer
	level  *slog.LevelVar
	prefix string
}

func (h *jsonHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

type jsonTimestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int   `json:"nanos"`
}

func (h *jsonHandler) Handle(_ context.Context, r slog.Record) error {
	sev := severityName(r.Level)
	line, err := json.Marshal(struct {
		Timestamp jsonTimestamp `json:"timestamp"`
		Severity  string        `json:"severity"`
		Message   string        `json:"message"`
	}{
		Timestamp: jsonTimestamp{Seconds: r.Time.Unix(), Nanos: r.Time.Nanosecond()},
		Severity:  sev,
		Message:   h.prefix + r.Message,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(h.w, string(line))
	return err
}

func (h *jsonHandler) WithAttrs(_ []slog.Attr) slog.Handler { return h }
func (h *jsonHandler) WithGroup(_ string) slog.Handler       { return h }

func Tracef(format string, v ...any) { defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, v...)) }
func Debugf(format string, v ...any) { defaultLogger.Debug(fmt.Sprintf(format, v...)) }
func Infof(format string, v ...any)  { defaultLogger.Info(fmt.Sprintf(format, v...)) }
func Warnf(format string, v ...any)  { defaultLogger.Warn(fmt.Sprintf(format, v...)) }
func Errorf(format string, v ...any) { defaultLogger.Error(fmt.Sprintf(format, v...)) }
