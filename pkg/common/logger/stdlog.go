package logger

import (
	"context"
	"log"
)

// NewStdLogger returns a standard library *log.Logger whose output is routed
// through the structured logger at the given level. This is needed for
// integrations (like http.Server's ErrorLog) that only accept *log.Logger.
func NewStdLogger(logger *Logger, level Level) *log.Logger {
	return log.New(&stdWriter{logger: logger, level: level}, "", 0)
}

type stdWriter struct {
	logger *Logger
	level  Level
}

// Write implements io.Writer, routing standard library log output through the
// structured logger at the configured level.
func (s *stdWriter) Write(p []byte) (int, error) {
	msg := string(p)
	if len(msg) > 0 && msg[len(msg)-1] == '\n' {
		msg = msg[:len(msg)-1]
	}

	ctx := context.Background()
	switch s.level {
	case LevelDebug:
		s.logger.Debugc(ctx, 5, msg)
	case LevelWarn:
		s.logger.Warnc(ctx, 5, msg)
	case LevelError:
		s.logger.Errorc(ctx, 5, msg)
	default:
		s.logger.Infoc(ctx, 5, msg)
	}

	return len(p), nil
}
