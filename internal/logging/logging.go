// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Setup sets the level and output of the standard logger. An empty level
// means info.
func Setup(level string, out io.Writer) error {
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	lv, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	log.SetLevel(lv)
	if out != nil {
		log.SetOutput(out)
	}
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		DisableColors:   true,
		TimestampFormat: "15:04:05",
	})
	return nil
}
