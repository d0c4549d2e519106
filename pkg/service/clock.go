package service

import "time"

// Clock abstracts the time source so the TTL and age computations can run
// against a simulated clock in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall-clock time source.
func SystemClock() Clock { return systemClock{} }

// Logger defines the logging interface used across the services.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}
