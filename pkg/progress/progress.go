// Package progress is the thin, ambient progress-reporting surface wired
// from the Search Engine and main.go. Rendering a live terminal UI is out of
// scope; this package only logs stage transitions at a level a caller can
// configure, in the teacher's logrus idiom.
package progress

import (
	"github.com/sirupsen/logrus"
)

// Reporter observes a search run's stage transitions. It is deliberately
// independent of pkg/sbom's types (sbom in turn depends on this package to
// thread a Reporter through Generator/Step) — callers pass the already
// rendered package set and level rather than a *sbom.Result.
type Reporter interface {
	StepStarted(level int, packages []string, command string)
	StepFinished(level int, retval int)
	CandidateCount(level int, n int)
	Yielded(level int, packages []string)
}

// LogReporter is the default Reporter, emitting one structured log line per
// stage transition via logrus, matching the density of the teacher's own
// command-execution logging rather than rendering a live terminal UI.
type LogReporter struct {
	log *logrus.Entry
}

// NewLogReporter builds a Reporter that logs through log, or a fresh
// logrus entry tagged "component=search" if log is nil.
func NewLogReporter(log *logrus.Entry) *LogReporter {
	if log == nil {
		log = logrus.WithField("component", "search")
	}
	return &LogReporter{log: log}
}

func (r *LogReporter) StepStarted(level int, packages []string, command string) {
	entry := r.log.WithField("level", level)
	if len(packages) == 0 {
		entry.Debugf("running `%s`", command)
	} else {
		entry.WithField("packages", packages).Debug("installing candidate package")
	}
}

func (r *LogReporter) StepFinished(level int, retval int) {
	r.log.WithFields(logrus.Fields{"level": level, "retval": retval}).Debug("step finished")
}

func (r *LogReporter) CandidateCount(level int, n int) {
	r.log.WithFields(logrus.Fields{"level": level, "candidates": n}).Debug("ranked candidates")
}

func (r *LogReporter) Yielded(level int, packages []string) {
	r.log.WithFields(logrus.Fields{"level": level, "packages": packages}).Info("found feasible SBOM")
}
