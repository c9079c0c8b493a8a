package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lmittmann/tint"
	slogmulti "github.com/samber/slog-multi"
)

// ParseLogLevel maps DEBUG/INFO/WARN/ERROR to a slog level, defaulting to INFO.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR", "CRITICAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger creates a tint console logger and, when logFile is set, fans
// out JSON records to that file. The returned cleanup closes the file.
func SetupLogger(logFile string, level slog.Level) (*slog.Logger, func() error) {
	console := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
	})
	if logFile == "" {
		return slog.New(console), func() error { return nil }
	}

	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		logger := slog.New(console)
		logger.Warn("cannot create log directory, logging to stderr only", "file", logFile, "error", err)
		return logger, func() error { return nil }
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		logger := slog.New(console)
		logger.Warn("cannot open log file, logging to stderr only", "file", logFile, "error", err)
		return logger, func() error { return nil }
	}

	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(console, fileHandler)), file.Close
}

// SetupLoggerWithWriters creates the same handler pair over custom writers (for testing).
func SetupLoggerWithWriters(console, file io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slogmulti.Fanout(
		tint.NewHandler(console, &tint.Options{Level: level, TimeFormat: "15:04:05", NoColor: true}),
		slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level}),
	))
}
