package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var Log *Logger

func init() {
	Log = NewLogger(&LogOptions{
		Level:  "info",
		Format: "text",
	})
}

// LogOptions configures the behavior of the logging system.
type LogOptions struct {
	Level  string    // Log level ("debug", "info", "warn", "error", "disabled"), default "info"
	Format string    // Output format ("json" or "text")
	Output io.Writer // Destination, default os.Stdout
}

func Info(msg string, keyValues ...interface{}) {
	Log.LogInfo(msg, keyValues...)
}

func Debug(msg string, keyValues ...interface{}) {
	Log.LogDebug(msg, keyValues...)
}

func Warn(msg string, keyValues ...interface{}) {
	Log.LogWarn(msg, keyValues...)
}

func Error(err error, msg string, keyValues ...interface{}) {
	Log.LogError(err, msg, keyValues...)
}

// Fatal logs and terminates the process with exit code 1.
func Fatal(err error, msg string, keyValues ...interface{}) {
	Log.LogFatal(err, msg, keyValues...)
}

// Configure replaces the package logger. A nil opts keeps the current one.
func Configure(opts *LogOptions) {
	if opts == nil {
		return
	}
	Log = NewLogger(opts)
}

// Logger is a thin wrapper around zerolog.Logger using key/value pairs.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger builds a Logger from opts. An unknown level falls back to info.
func NewLogger(opts *LogOptions) *Logger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		if opts.Level != "" {
			log.Warn().Str("config_level", opts.Level).Msg("Invalid log level configured, defaulting to Info.")
		}
		level = zerolog.InfoLevel
	}

	// Calls below the global level are skipped without allocating.
	zerolog.SetGlobalLevel(level)

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	var output io.Writer = out
	if opts.Format != "json" {
		output = zerolog.ConsoleWriter{
			Out:        out,
			NoColor:    out != os.Stdout,
			TimeFormat: "2006-01-02 15:04:05",
		}
	}

	return &Logger{
		logger: zerolog.New(output).With().Timestamp().Logger(),
	}
}

// LogDebug records a debugging message. keyValues are only processed when
// debug is enabled.
func (l Logger) LogDebug(msg string, keyValues ...interface{}) {
	if e := l.logger.Debug(); e.Enabled() {
		e.Fields(keyValues).Msg(msg)
	}
}

func (l Logger) LogInfo(msg string, keyValues ...interface{}) {
	l.logger.Info().Fields(keyValues).Msg(msg)
}

func (l Logger) LogWarn(msg string, keyValues ...interface{}) {
	l.logger.Warn().Fields(keyValues).Msg(msg)
}

func (l Logger) LogError(err error, msg string, keyValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keyValues).Msg(msg)
}

// LogFatal records a critical error and then exits the application with os.Exit(1).
func (l Logger) LogFatal(err error, msg string, keyValues ...interface{}) {
	l.logger.Fatal().Err(err).Fields(keyValues).Msg(msg)
}
