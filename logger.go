package x402

import "log"

// Logger is the narrow logging surface for observability-only output: the
// dispatcher logs recovered hook panics and the upto orchestrator logs
// recovered settle panics. The teacher never reaches for a structured logging library
// anywhere in its tree — it calls stdlib log.Printf directly — so this is a
// thin seam over the same thing rather than a third-party logger.
type Logger interface {
	Printf(format string, args ...interface{})
}

// stdLogger adapts the standard library's *log.Logger to Logger.
type stdLogger struct {
	l *log.Logger
}

func (s stdLogger) Printf(format string, args ...interface{}) {
	s.l.Printf(format, args...)
}

// defaultLogger wraps log.Default() so callers who don't supply a Logger
// still get the teacher's stdlib-log behavior instead of silent output.
func defaultLogger() Logger {
	return stdLogger{l: log.Default()}
}
