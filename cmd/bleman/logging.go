package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/bleman/internal/config"
)

// configureLogger creates a logger with the appropriate log level based on the
// --log-level flag, falling back to the config file level when the flag is
// unset. Defaults to panic level (essentially silent for normal operations).
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	logLevel := logrus.PanicLevel

	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr != "" {
		switch logLevelStr {
		case "debug":
			logLevel = logrus.DebugLevel
		case "info":
			logLevel = logrus.InfoLevel
		case "warn":
			logLevel = logrus.WarnLevel
		case "error":
			logLevel = logrus.ErrorLevel
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
	} else if cfg != nil && cfg.LogLevel != "" && cfg.LogLevel != "info" {
		// A non-default config file level applies when no flag is given.
		parsed, err := cfg.ParseLogLevel()
		if err != nil {
			return nil, err
		}
		logLevel = parsed
	}

	logger := logrus.New()
	logger.SetLevel(logLevel)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}
