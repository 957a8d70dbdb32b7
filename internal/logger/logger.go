package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds the process-wide logrus logger. JSON output is the default so
// log aggregation sees structured fields; text with timestamps is for
// local development.
func New(level string, jsonFormat bool) *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stdout

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	if jsonFormat {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
