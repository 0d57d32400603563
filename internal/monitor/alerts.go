package monitor

import "github.com/sirupsen/logrus"

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	Log logrus.FieldLogger
}

func (s LogSink) Send(message string) error {
	log := s.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.WithField("component", "alerts").Info(message)
	return nil
}
