// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Configure sets the level and formatter of the standard logger. Format is
// "text" or "json".
func Configure(level, format string) error {
	return ConfigureLogger(log.StandardLogger(), level, format)
}

// ConfigureLogger applies level and format to logger.
func ConfigureLogger(logger *log.Logger, level, format string) error {
	lvl, err := xlatLogLevel(level)
	if err != nil {
		return err
	}

	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	logger.SetLevel(lvl)
	return nil
}

func xlatLogLevel(level string) (log.Level, error) {
	switch strings.ToUpper(level) {
	case "TRACE":
		return log.TraceLevel, nil
	case "DEBUG":
		return log.DebugLevel, nil
	case "", "INFO":
		return log.InfoLevel, nil
	case "WARN", "WARNING":
		return log.WarnLevel, nil
	case "ERROR":
		return log.ErrorLevel, nil
	}
	return log.InfoLevel, fmt.Errorf("unknown log level %q", level)
}

// Component returns an entry of the standard logger tagged with component.
func Component(name string) *log.Entry {
	return log.WithField("component", name)
}
