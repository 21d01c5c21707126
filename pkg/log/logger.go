// Package log provides structured logging for gominer on top of log/slog.
package log

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Logger wraps slog.Logger with service identity and mining-specific helpers
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a logger writing to stdout. level is one of debug, info, warn,
// error; format is json or text. Unknown values fall back to info and json.
func New(service, version, level, format string) *Logger {
	return NewWithWriter(os.Stdout, service, version, level, format)
}

// NewWithWriter is New with an explicit destination
func NewWithWriter(w io.Writer, service, version, level, format string) *Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.ToLower(format) == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{
		Logger:  slog.New(handler).With("service", service, "version", version),
		service: service,
		version: version,
	}
}

// Nop returns a logger that discards everything. Useful in tests.
func Nop() *Logger {
	return NewWithWriter(io.Discard, "test", "test", "error", "json")
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger tagged with the component name
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithError returns a logger carrying err
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// WithWork returns a logger tagged with a work item
func (l *Logger) WithWork(workID uint64, height int64) *Logger {
	return l.WithFields("work_id", workID, "block_height", height)
}

// WithWorker returns a logger tagged with a worker index
func (l *Logger) WithWorker(index, total int) *Logger {
	return l.WithFields("worker", index, "workers", total)
}

// LogDuration logs how long an operation took
func (l *Logger) LogDuration(operation string, d time.Duration) {
	l.Info("operation completed",
		"operation", operation,
		"duration_ms", float64(d.Nanoseconds())/1e6,
	)
}

// LogBlockFound logs an accepted block
func (l *Logger) LogBlockFound(blockHash string, blockHeight int64, nonce uint64, miningAddress string) {
	l.Info("block found",
		"block_hash", blockHash,
		"block_height", blockHeight,
		"nonce", nonce,
		"mining_address", miningAddress,
	)
}

// LogSubmission logs the node's verdict on a submitted block
func (l *Logger) LogSubmission(blockHash string, blockHeight int64, status, reason string, latency time.Duration) {
	l.Info("block submission",
		"block_hash", blockHash,
		"block_height", blockHeight,
		"status", status,
		"reason", reason,
		"latency_ms", float64(latency.Nanoseconds())/1e6,
	)
}

// LogHashrate logs a periodic hashrate sample
func (l *Logger) LogHashrate(hashrate float64, hashes, submitted, accepted uint64) {
	l.Info("mining stats",
		"hashrate", FormatHashrate(hashrate),
		"hashes_tried", hashes,
		"blocks_submitted", submitted,
		"blocks_accepted", accepted,
	)
}

// FormatHashrate renders hashes per second with an SI suffix
func FormatHashrate(hps float64) string {
	units := []string{"H/s", "KH/s", "MH/s", "GH/s", "TH/s", "PH/s"}
	i := 0
	for hps >= 1000 && i < len(units)-1 {
		hps /= 1000
		i++
	}
	s := strconv.FormatFloat(hps, 'f', 2, 64)
	return strings.TrimRight(strings.TrimRight(s, "0"), ".") + " " + units[i]
}
