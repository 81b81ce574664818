package cmd

import (
	"fmt"
	"os"

	"github.com/am6737/tproxy/config"
	"github.com/sirupsen/logrus"
)

func newLogger(cfg config.LogConfig) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.Out = os.Stdout

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)

	switch cfg.Format {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
		})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	return logger, nil
}
