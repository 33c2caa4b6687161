package logging

import (
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type options struct {
	level   zapcore.Level
	console io.Writer
}

// Option tunes New.
type Option func(*options)

// WithDebug lowers the minimum level to debug.
func WithDebug(debug bool) Option {
	return func(o *options) {
		if debug {
			o.level = zapcore.DebugLevel
		}
	}
}

// WithConsole redirects the human-readable copy of the log. nil disables it.
func WithConsole(w io.Writer) Option {
	return func(o *options) { o.console = w }
}

// New creates a zap logger that appends JSON lines to logPath and mirrors
// them in console format to stderr. Every entry carries the session name and
// the PID.
func New(logPath, sessionName string, opts ...Option) (*zap.Logger, error) {
	o := options{level: zapcore.InfoLevel, console: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0700); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewJSONEncoder(encoderCfg), zapcore.AddSync(file), o.level),
	}
	if o.console != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.AddSync(o.console), o.level))
	}

	return zap.New(zapcore.NewTee(cores...),
		zap.Fields(
			zap.String("session", sessionName),
			zap.Int("pid", os.Getpid()),
		),
		zap.AddStacktrace(zapcore.ErrorLevel),
	), nil
}
