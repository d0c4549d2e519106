package log

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		logger.SetLevel(logrus.DebugLevel)
	case "WARN":
		logger.SetLevel(logrus.WarnLevel)
	case "ERROR":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// GetLogger returns the shared logger instance
func GetLogger() *logrus.Logger {
	return logger
}

// WithComponent returns an entry tagged with the originating component,
// e.g. "scheduler" or "heartbeat-monitor".
func WithComponent(name string) *logrus.Entry {
	return logger.WithField("component", name)
}
