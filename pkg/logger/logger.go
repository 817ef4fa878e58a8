// Package logger wraps zerolog with the category-scoped debug logging the
// rest of the gateway depends on: a handful of named subsystems (rtp, nal,
// track, rtsp, hub) can be switched on independently of the base level.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Level is the logging verbosity level.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// DebugCategory is a named subsystem that can be independently debugged.
type DebugCategory string

const (
	DebugRTP   DebugCategory = "rtp"
	DebugNAL   DebugCategory = "nal"
	DebugTrack DebugCategory = "track"
	DebugRTSP  DebugCategory = "rtsp"
	DebugHub   DebugCategory = "hub"
	DebugAll   DebugCategory = "all"
)

// OutputFormat selects the log encoding.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Config holds logger configuration.
type Config struct {
	Level             Level
	Format            OutputFormat
	OutputFile        string
	EnabledCategories map[DebugCategory]bool
	mu                sync.RWMutex
}

// NewConfig returns a Config with the gateway's defaults.
func NewConfig() *Config {
	return &Config{
		Level:             LevelInfo,
		Format:            FormatText,
		EnabledCategories: make(map[DebugCategory]bool),
	}
}

// ParseLevel converts a string to Level.
func ParseLevel(level string) (Level, error) {
	switch level {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO":
		return LevelInfo, nil
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

// ParseFormat converts a string to OutputFormat.
func ParseFormat(format string) (OutputFormat, error) {
	switch format {
	case "json", "JSON":
		return FormatJSON, nil
	case "text", "TEXT":
		return FormatText, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be json or text)", format)
	}
}

func (l Level) zerologLevel() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// EnableCategory enables a debug category; DebugAll enables every category.
func (c *Config) EnableCategory(category DebugCategory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if category == DebugAll {
		c.EnabledCategories[DebugRTP] = true
		c.EnabledCategories[DebugNAL] = true
		c.EnabledCategories[DebugTrack] = true
		c.EnabledCategories[DebugRTSP] = true
		c.EnabledCategories[DebugHub] = true
		return
	}
	c.EnabledCategories[category] = true
}

// IsCategoryEnabled reports whether a debug category is enabled.
func (c *Config) IsCategoryEnabled(category DebugCategory) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EnabledCategories[category]
}

// IsDebugEnabled reports whether any debug category is enabled.
func (c *Config) IsDebugEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.EnabledCategories) > 0
}

// Logger wraps zerolog.Logger with category-gated debug helpers.
type Logger struct {
	zerolog.Logger
	config *Config
	file   *os.File
}

// New builds a Logger from cfg.
func New(cfg *Config) (*Logger, error) {
	var writer io.Writer = os.Stdout
	var file *os.File

	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.OutputFile, err)
		}
		writer = f
		file = f
	}

	if cfg.Format == FormatText {
		writer = zerolog.ConsoleWriter{Out: writer, NoColor: file != nil}
	}

	zl := zerolog.New(writer).With().Timestamp().Logger().Level(cfg.Level.zerologLevel())

	return &Logger{Logger: zl, config: cfg, file: file}, nil
}

// Close closes the underlying log file, if one was opened.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// With returns a derived Logger carrying the given key/value pairs.
func (l *Logger) With(args ...any) *Logger {
	ctx := l.Logger.With()
	for i := 0; i+1 < len(args); i += 2 {
		key, _ := args[i].(string)
		ctx = ctx.Interface(key, args[i+1])
	}
	return &Logger{Logger: ctx.Logger(), config: l.config, file: l.file}
}

// DebugRTP logs at debug level if the rtp category is enabled.
func (l *Logger) DebugRTP(msg string, args ...any) { l.debugCategory(DebugRTP, "rtp", msg, args...) }

// DebugNAL logs at debug level if the nal category is enabled.
func (l *Logger) DebugNAL(msg string, args ...any) { l.debugCategory(DebugNAL, "nal", msg, args...) }

// DebugTrack logs at debug level if the track category is enabled.
func (l *Logger) DebugTrack(msg string, args ...any) {
	l.debugCategory(DebugTrack, "track", msg, args...)
}

// DebugRTSP logs at debug level if the rtsp category is enabled.
func (l *Logger) DebugRTSP(msg string, args ...any) {
	l.debugCategory(DebugRTSP, "rtsp", msg, args...)
}

// DebugHub logs at debug level if the hub category is enabled.
func (l *Logger) DebugHub(msg string, args ...any) { l.debugCategory(DebugHub, "hub", msg, args...) }

func (l *Logger) debugCategory(cat DebugCategory, name, msg string, args ...any) {
	if !l.config.IsCategoryEnabled(cat) {
		return
	}
	ev := l.Logger.Debug().Str("category", name)
	for i := 0; i+1 < len(args); i += 2 {
		key, _ := args[i].(string)
		ev = ev.Interface(key, args[i+1])
	}
	ev.Msg(msg)
}

// DebugRTPPacket logs detailed RTP packet fields if the rtp category is enabled.
func (l *Logger) DebugRTPPacket(seq uint16, timestamp uint32, payloadType uint8, payloadSize int) {
	if !l.config.IsCategoryEnabled(DebugRTP) {
		return
	}
	l.Logger.Debug().
		Str("category", "rtp").
		Uint16("sequence", seq).
		Uint32("timestamp", timestamp).
		Uint8("payload_type", payloadType).
		Int("payload_size", payloadSize).
		Msg("RTP packet")
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// SetDefault installs logger as the package-level default.
func SetDefault(logger *Logger) {
	defaultLogger = logger
}

// Default returns the package-level default logger, creating one lazily.
func Default() *Logger {
	once.Do(func() {
		cfg := NewConfig()
		l, err := New(cfg)
		if err != nil {
			l = &Logger{Logger: zerolog.New(os.Stdout), config: cfg}
		}
		defaultLogger = l
	})
	return defaultLogger
}
