package config

import (
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// SetupLogging applies level, formatter and caller reporting to the standard
// logrus logger.
func SetupLogging(c LogConfig) {
	if c.Level != "" {
		if lvl, err := logrus.ParseLevel(c.Level); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "SetupLogging",
				"level":    c.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			logrus.SetLevel(lvl)
		}
	}

	logrus.SetReportCaller(c.ReportCaller)
	logrus.SetOutput(os.Stderr)

	switch strings.ToLower(c.Format) {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	default:
		logrus.WithFields(logrus.Fields{
			"function": "SetupLogging",
			"format":   c.Format,
		}).Warn("Unknown logging format")
	}
}
