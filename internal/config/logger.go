package config

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func NewLogger(cfg Config) (*log.Logger, error) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrapf(err, "LOG_LEVEL %q", cfg.LogLevel)
	}
	logger := log.New()
	logger.SetOutput(os.Stdout)
	logger.SetLevel(level)
	switch cfg.LogFormat {
	case "text":
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case "json", "":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		return nil, errors.Errorf("unknown LOG_FORMAT %q (want json or text)", cfg.LogFormat)
	}
	return logger, nil
}
