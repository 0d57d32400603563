// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Configure sets formatter, level and output of the standard logger and returns it.
// format is "json" or "text"; an empty level means info.
func Configure(format, level string) (logrus.FieldLogger, error) {
	fieldMap := logrus.FieldMap{
		logrus.FieldKeyLevel: "severity",
		logrus.FieldKeyMsg:   "message",
	}

	if strings.EqualFold(format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{
			FieldMap: fieldMap,
		})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			FieldMap:      fieldMap,
		})
	}

	if level == "" {
		level = "info"
	}
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("could not parse log level: %w", err)
	}
	logrus.SetLevel(logLevel)
	logrus.SetOutput(os.Stdout)

	return logrus.StandardLogger(), nil
}

// Component scopes a logger to one component, falling back to the standard logger.
func Component(log logrus.FieldLogger, name string) logrus.FieldLogger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return log.WithField("component", name)
}

// Discard returns a logger that writes nowhere, for tests.
func Discard() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return l
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
