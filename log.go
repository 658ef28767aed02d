package arbtrie

import "go.uber.org/zap"

// namedLogger is a thin wrapper so every component can log without nil
// checks; Options.withDefaults guarantees a non-nil *zap.SugaredLogger.
type namedLogger struct {
	*zap.SugaredLogger
}

func newNamedLogger(base *zap.SugaredLogger, component string) namedLogger {
	return namedLogger{base.With("component", component)}
}
