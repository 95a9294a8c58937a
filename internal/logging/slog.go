package logging

import (
	"log/slog"
	"os"
	"sync/atomic"
)

var (
	opLogger atomic.Pointer[slog.Logger]
	logLevel = new(slog.LevelVar)
)

func init() {
	logLevel.Set(slog.LevelInfo)
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	opLogger.Store(slog.New(handler))
}

// Op returns the operational logger for worker/infrastructure logs.
// This is separate from the request Logger which logs individual jobs.
func Op() *slog.Logger {
	return opLogger.Load()
}

// SetOp replaces the operational logger. Used by the log streamer to
// install a capturing tee for the duration of a job.
func SetOp(l *slog.Logger) {
	opLogger.Store(l)
}

// Level returns the current operational log level.
func Level() slog.Level {
	return logLevel.Level()
}

// SetLevel changes the log level for the operational logger.
func SetLevel(level slog.Level) {
	logLevel.Set(level)
}

// SetLevelFromString sets the log level from a string.
// Valid values: "debug", "info", "warning", "error", "critical".
func SetLevelFromString(level string) {
	switch level {
	case "debug", "DEBUG":
		logLevel.Set(slog.LevelDebug)
	case "info", "INFO":
		logLevel.Set(slog.LevelInfo)
	case "warn", "WARN", "warning", "WARNING":
		logLevel.Set(slog.LevelWarn)
	case "error", "ERROR", "critical", "CRITICAL":
		logLevel.Set(slog.LevelError)
	}
}
