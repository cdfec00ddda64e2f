// Package logging provides the pluggable structured-logging interface
// used throughout chatcore, grounded on the teacher's types.Logger
// (pkg/mcast/definition/default_logger.go) but backed by go.uber.org/zap
// rather than a bare stdlib *log.Logger.
package logging

// Field is a structured logging key/value pair, used with With to attach
// context (peer id, envelope origin/seq) to a logger without formatting
// it into every message.
type Field struct {
	Key   string
	Value interface{}
}

// F is a short constructor for Field, for call sites that want to avoid
// repeating the struct literal.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Logger is the structured logger contract every component in this
// module depends on. Nothing in the module calls a package-level logger
// directly; every component that can log takes a Logger at construction.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// With returns a derived Logger that prepends fields to every
	// subsequent call.
	With(fields ...Field) Logger
}
