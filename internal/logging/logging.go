// Package logging configures the process-wide logrus logger, adapting
// gravitational-gravity's lib/utils.InitLogging/setLoggingOptions to a
// foreground CLI: no syslog or log-file hook, since nomad-watch has no
// daemon mode to keep a log file open for.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Setup installs a text formatter on the standard logger and writes to w
// (os.Stderr in production, discarded or buffered in tests), at Debug level
// when debug is set and Info otherwise.
func Setup(debug bool, w io.Writer) {
	level := logrus.InfoLevel
	if debug {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)
	logrus.SetOutput(w)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}
