// Package logging builds the process-wide zap logger from a small set
// of CLI-facing switches.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects verbosity and output encoding.
type Options struct {
	Verbose bool
	JSON    bool
}

// New builds a stderr logger. Console output drops timestamps and
// caller info to stay readable in a terminal; JSON keeps the full
// production encoding.
func New(opts Options) (*zap.Logger, error) {
	cfg := consoleConfig()
	if opts.JSON {
		cfg = zap.NewProductionConfig()
		cfg.Encoding = "json"
	}

	level := zapcore.InfoLevel
	if opts.Verbose {
		level = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = !opts.Verbose

	return cfg.Build()
}

func consoleConfig() zap.Config {
	cfg := zap.NewDevelopmentConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = ""
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncoderConfig.EncodeCaller = nil
	return cfg
}
