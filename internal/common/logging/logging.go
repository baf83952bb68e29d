package logging

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	FormatText = "text"
	FormatJson = "json"
)

// ConfigureLogging sets up the standard logrus logger for an application: output on stdout, the given format
// (text or json) and level.
func ConfigureLogging(format string, level string) error {
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return errors.WithStack(err)
	}
	switch strings.ToLower(format) {
	case "", FormatText:
		log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	case FormatJson:
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return errors.Errorf("unknown log format %q; valid formats are %s and %s", format, FormatText, FormatJson)
	}
	log.SetOutput(os.Stdout)
	log.SetLevel(lvl)
	return nil
}

// ConfigureCommandLineLogging sets up logging suitable for one-off cli commands: messages only, no decoration.
func ConfigureCommandLineLogging() {
	log.SetFormatter(new(CommandLineFormatter))
	log.SetOutput(os.Stdout)
}
