package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type options struct {
	dir          string
	consoleLevel zapcore.Level
	console      zapcore.WriteSyncer
	now          func() time.Time
}

// Option configures InitLogger
type Option func(*options)

// WithDir writes log files under dir instead of ./logs
func WithDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// WithVerbose lowers the console level to Debug, e.g. to watch confirmation polls
func WithVerbose(verbose bool) Option {
	return func(o *options) {
		if verbose {
			o.consoleLevel = zapcore.DebugLevel
		}
	}
}

// WithConsole replaces stdout as the console sink
func WithConsole(w zapcore.WriteSyncer) Option {
	return func(o *options) { o.console = w }
}

// InitLogger builds a logger that tees a coloured console at Info and a JSON
// file at Debug. The file is named <env>_<timestamp>.log and its path is returned.
func InitLogger(env string, opts ...Option) (*zap.Logger, string, error) {
	o := options{
		dir:          "logs",
		consoleLevel: zapcore.InfoLevel,
		console:      zapcore.AddSync(os.Stdout),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(o.dir, 0755); err != nil {
		return nil, "", fmt.Errorf("failed to create logs directory: %w", err)
	}

	if env == "" {
		env = "default"
	}
	timestamp := o.now().Format("2006-01-02_15-04-05")
	logFileName := filepath.Join(o.dir, fmt.Sprintf("%s_%s.log", env, timestamp))
	logFile, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open log file: %w", err)
	}

	consoleEncoderConfig := zap.NewDevelopmentEncoderConfig()
	consoleEncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	consoleEncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	fileEncoderConfig := zap.NewProductionEncoderConfig()
	fileEncoderConfig.TimeKey = "timestamp"
	fileEncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEncoderConfig), o.console, o.consoleLevel),
		zapcore.NewCore(zapcore.NewJSONEncoder(fileEncoderConfig), zapcore.AddSync(logFile), zapcore.DebugLevel),
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)).
		With(zap.String("env", env))

	return logger, logFileName, nil
}
