// Package logging builds the process logger.
//
// Logs always go to stderr: in process isolation stdout carries the
// worker protocol.
package logging

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/woxQAQ/sigbridge/internal/config"
)

// Options control logger construction.
type Options struct {
	Level string

	// File, when set, receives a JSON copy of every entry with rotation.
	File string

	// Console selects the human-readable encoder for Output.
	Console bool

	// Output defaults to stderr.
	Output zapcore.WriteSyncer
}

// FromConfig derives Options from configuration and the attached terminal.
func FromConfig(cfg *config.Config) Options {
	return Options{
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
		Console: term.IsTerminal(int(os.Stderr.Fd())),
	}
}

// New builds a logger from opts.
func New(opts Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	enabled := zap.NewAtomicLevelAt(level)

	output := opts.Output
	if output == nil {
		output = zapcore.Lock(os.Stderr)
	}

	var encoder zapcore.Encoder
	if opts.Console {
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(ec)
	} else {
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	}

	cores := []zapcore.Core{zapcore.NewCore(encoder, output, enabled)}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, err
		}
		file := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), file, enabled))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}
