package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/searchktools/startline/config"
)

// New builds a logger from cfg. When out is nil, output goes to stderr, or
// to the rotating log file (teed to stderr at debug level) when LogToFile is
// set.
func New(cfg config.LogConfig, out io.Writer) zerolog.Logger {
	level := ParseLevel(cfg.Level)

	if out == nil {
		out = os.Stderr
		if cfg.Console {
			out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		}

		if cfg.LogToFile {
			fileLogger := &lumberjack.Logger{
				Filename:   cfg.LogFilePath,
				MaxSize:    cfg.MaxSize, // megabytes
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge, // days
				Compress:   cfg.Compress,
			}

			if level == zerolog.DebugLevel {
				out = io.MultiWriter(fileLogger, out)
			} else {
				out = fileLogger
			}
		}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info
func ParseLevel(name string) zerolog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithComponent returns a logger with the component field set
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
