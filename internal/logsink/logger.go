package logsink

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const timeLayout = "2006-01-02 15:04:05"

// Options controls where log output goes besides the sink.
type Options struct {
	Level  string
	File   string
	Stderr bool
}

// NewLogger builds a console-encoded zap logger writing to sink and,
// optionally, to a file and stderr. The returned func closes the file.
func NewLogger(sink *Sink, opts Options) (*zap.Logger, func(), error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		l, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing log level %q: %w", opts.Level, err)
		}
		level = l
	}

	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout(timeLayout)
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.CallerKey = ""
	encCfg.StacktraceKey = ""
	encoder := zapcore.NewConsoleEncoder(encCfg)

	var cores []zapcore.Core
	if sink != nil {
		cores = append(cores, zapcore.NewCore(encoder, sink, level))
	}
	if opts.Stderr {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level))
	}

	closeFn := func() {}
	if opts.File != "" {
		ws, closeFile, err := zap.Open(opts.File)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, level))
		closeFn = closeFile
	}

	logger := zap.New(zapcore.NewTee(cores...))
	return logger, func() {
		_ = logger.Sync()
		closeFn()
	}, nil
}
