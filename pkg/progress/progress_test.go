package progress

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newCapturingReporter() (*LogReporter, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logrus.DebugLevel)
	return NewLogReporter(logger.WithField("component", "test")), &buf
}

func TestLogReporter_StepStartedDistinguishesSeedFromCandidate(t *testing.T) {
	r, buf := newCapturingReporter()

	r.StepStarted(0, nil, "make")
	assert.Contains(t, buf.String(), "running")

	buf.Reset()
	r.StepStarted(1, []string{"build-essential"}, "make")
	assert.Contains(t, buf.String(), "installing candidate package")
}

func TestLogReporter_StepFinished(t *testing.T) {
	r, buf := newCapturingReporter()
	r.StepFinished(2, 0)
	assert.Contains(t, buf.String(), "step finished")
}

func TestLogReporter_CandidateCount(t *testing.T) {
	r, buf := newCapturingReporter()
	r.CandidateCount(1, 5)
	assert.Contains(t, buf.String(), "ranked candidates")
}

func TestLogReporter_Yielded(t *testing.T) {
	r, buf := newCapturingReporter()
	r.Yielded(0, []string{"make", "gcc"})
	assert.Contains(t, buf.String(), "found feasible SBOM")
}

func TestNewLogReporter_NilDefaultsToFreshEntry(t *testing.T) {
	r := NewLogReporter(nil)
	assert.NotNil(t, r)
}
