package log

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

func init() {
	logger = logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		SetLevel(level)
	}
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

// GetLogger returns the shared logger instance
func GetLogger() *logrus.Logger {
	return logger
}

// SetLevel changes the level of the shared logger. Unknown names keep the
// current level and are reported at warn.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		logger.Warnf("Unknown log level %q, keeping %s", level, logger.GetLevel())
		return
	}
	logger.SetLevel(lvl)
}
