// Package logging builds the zerolog logger and the field helpers used to
// correlate events across owners, positions and orders.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

var levelLabels = map[string]string{
	zerolog.LevelDebugValue: "\033[36mDBG\033[0m",
	zerolog.LevelInfoValue:  "\033[32mINF\033[0m",
	zerolog.LevelWarnValue:  "\033[33mWRN\033[0m",
	zerolog.LevelErrorValue: "\033[31mERR\033[0m",
}

// New builds the engine logger. Console output goes to stderr so command
// output on stdout stays machine readable. With no sink enabled the logger
// writes JSON lines to stderr.
func New(cfg LogConfig) zerolog.Logger {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg LogConfig, console io.Writer) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        console,
			TimeFormat: time.TimeOnly,
			FormatLevel: func(i interface{}) string {
				if label, ok := levelLabels[fmt.Sprint(i)]; ok {
					return label
				}
				return "???"
			},
		})
	}

	if cfg.File && cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var w io.Writer
	switch len(writers) {
	case 0:
		w = console
	case 1:
		w = writers[0]
	default:
		w = zerolog.MultiLevelWriter(writers...)
	}

	return zerolog.New(w).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

// ParseLevel maps a config level name to a zerolog level. Unknown names
// log at info.
func ParseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// WithSymbol adds a symbol to the logger context.
func WithSymbol(logger zerolog.Logger, symbol string) zerolog.Logger {
	return logger.With().Str("symbol", symbol).Logger()
}

// WithOrderID adds an order ID to the logger context.
func WithOrderID(logger zerolog.Logger, orderID string) zerolog.Logger {
	return logger.With().Str("order_id", orderID).Logger()
}

// WithOwner adds an owner (user) to the logger context.
func WithOwner(logger zerolog.Logger, owner string) zerolog.Logger {
	return logger.With().Str("owner", owner).Logger()
}

// WithPosition adds the fields needed to correlate a position across the
// asynchronous dispatch path.
func WithPosition(logger zerolog.Logger, positionID, owner, symbol string) zerolog.Logger {
	return logger.With().
		Str("position_id", positionID).
		Str("owner", owner).
		Str("symbol", symbol).
		Logger()
}

// WithOperation adds an operation name to the logger context.
func WithOperation(logger zerolog.Logger, operation string) zerolog.Logger {
	return logger.With().Str("operation", operation).Logger()
}

// LogOrder logs an order event.
func LogOrder(logger zerolog.Logger, orderID, symbol, side, status string) {
	logger.Info().
		Str("event", "order").
		Str("order_id", orderID).
		Str("symbol", symbol).
		Str("side", side).
		Str("status", status).
		Msg("Order update")
}

// LogExit logs a committed position exit.
func LogExit(logger zerolog.Logger, orderID, reason string, triggerPrice, fillPrice float64) {
	logger.Info().
		Str("event", "exit").
		Str("order_id", orderID).
		Str("reason", reason).
		Float64("trigger_price", triggerPrice).
		Float64("fill_price", fillPrice).
		Msg("Position exited")
}

// LogRecovery logs a session recovery attempt.
func LogRecovery(logger zerolog.Logger, owner, method string, err error) {
	event := logger.Info()
	if err != nil {
		event = logger.Warn().Err(err)
	}
	event.
		Str("event", "session_recovery").
		Str("owner", owner).
		Str("method", method).
		Bool("ok", err == nil).
		Msg("Session recovery")
}

// LogAPICall logs an API call.
func LogAPICall(logger zerolog.Logger, method, endpoint string, duration time.Duration, err error) {
	event := logger.Debug().
		Str("event", "api_call").
		Str("method", method).
		Str("endpoint", endpoint).
		Dur("duration", duration)

	if err != nil {
		event.Err(err).Msg("API call failed")
	} else {
		event.Msg("API call completed")
	}
}
