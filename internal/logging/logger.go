// Package logging builds the logrus loggers used across the client.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/fabian4/gateway-httpclient-go/internal/config"
)

// Fields represents structured logging fields
type Fields = logrus.Fields

// NewLogger creates a JSON logger at the LOG_LEVEL level.
func NewLogger(out io.Writer) *logrus.Logger {
	logger := logrus.New()
	if out != nil {
		logger.SetOutput(out)
	}
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// Discard returns a logger that drops everything. Used when callers pass no
// logger.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// Component returns an entry tagged with the service and component names.
func Component(logger *logrus.Logger, name string) *logrus.Entry {
	if logger == nil {
		logger = Discard()
	}
	return logger.WithFields(Fields{"service": "gateway-httpclient", "component": name})
}
