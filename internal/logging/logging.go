// Package logging builds the zap loggers used throughout keycard-core.
// Card I/O happens off the caller's goroutine, so every subsystem logs
// through its own named child logger rather than returning log lines to
// the caller.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects the logger Build returns. Zero value disables logging (a
// no-op logger). Session.Start and flow.Engine.Start take no Options and
// install no logger; the packages log through zap.L(), so a caller that
// wants output installs Build's result with zap.ReplaceGlobals.
type Options struct {
	Enabled bool
	// FilePath, when non-empty, switches to the production (JSON) encoder
	// writing to that file. Empty means development (console) encoding.
	FilePath string
}

// Build returns the root logger for the given options. Callers derive
// named children from it (zap.L().Named("session"), etc).
func Build(opts Options) (*zap.Logger, error) {
	if !opts.Enabled {
		return zap.NewNop(), nil
	}

	if opts.FilePath != "" {
		return BuildProductionLogger(opts.FilePath)
	}

	return BuildDevelopmentLogger()
}

// BuildDevelopmentLogger returns a human-readable, colorized console logger.
func BuildDevelopmentLogger() (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return config.Build()
}

// BuildProductionLogger returns a JSON logger writing to outputFilePath.
func BuildProductionLogger(outputFilePath string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{outputFilePath}
	return cfg.Build()
}
