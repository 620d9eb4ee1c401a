package kgo

import "github.com/sirupsen/logrus"

// LogLevel controls the verbosity a Logger is asked to emit at.
type LogLevel int8

const (
	// LogLevelNone disables logging entirely.
	LogLevelNone LogLevel = iota
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "ERROR"
	case LogLevelWarn:
		return "WARN"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	default:
		return "NONE"
	}
}

// Logger is the logging seam the client calls at every significant
// connection, metadata, and routing event. keyvals is an alternating
// key/value list, following the call sites throughout this package
// (cfg.logger.Log(LogLevelDebug, "msg", "key", val, ...)).
type Logger interface {
	Log(level LogLevel, msg string, keyvals ...any)
}

// nopLogger discards everything; it is the default when no Logger option is
// supplied.
type nopLogger struct{}

func (nopLogger) Log(LogLevel, string, ...any) {}

// logrusLogger adapts a *logrus.Logger to the Logger interface. This is the
// default non-nop Logger returned by NewLogrusLogger, since logrus is the
// structured logger already present throughout the retrieval pack
// (drewpayment-orbit/services/bifrost, trivago-gollum) for exactly this
// keyed-fields-over-a-message shape.
type logrusLogger struct {
	l *logrus.Logger
}

// NewLogrusLogger returns a Logger backed by l. A nil l uses
// logrus.StandardLogger().
func NewLogrusLogger(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &logrusLogger{l: l}
}

func (ll *logrusLogger) Log(level LogLevel, msg string, keyvals ...any) {
	var lvl logrus.Level
	switch level {
	case LogLevelError:
		lvl = logrus.ErrorLevel
	case LogLevelWarn:
		lvl = logrus.WarnLevel
	case LogLevelInfo:
		lvl = logrus.InfoLevel
	case LogLevelDebug:
		lvl = logrus.DebugLevel
	default:
		return
	}
	if !ll.l.IsLevelEnabled(lvl) {
		return
	}
	fields := make(logrus.Fields, len(keyvals)/2)
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		fields[key] = keyvals[i+1]
	}
	ll.l.WithFields(fields).Log(lvl, msg)
}
