// Package logging configures the process logger from the global
// configuration section.
package logging

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/picstash/picstash/internal/config"
)

// New builds a configured logrus entry for the application to hand
// down to its components.
func New(cfg config.GlobalConfig) *logrus.Entry {
	log := logrus.New()

	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		log.SetLevel(logrus.DebugLevel)
	case "WARN":
		log.SetLevel(logrus.WarnLevel)
	case "ERROR":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	if strings.EqualFold(cfg.LogFormat, "json") {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return logrus.NewEntry(log)
}
