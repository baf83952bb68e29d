package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// NullLogger discards everything. Tests of failure paths run their components with it.
var NullLogger = &logrus.Logger{
	Out:       io.Discard,
	Formatter: new(logrus.TextFormatter),
	Hooks:     make(logrus.LevelHooks),
	Level:     logrus.PanicLevel,
}
