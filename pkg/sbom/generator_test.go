package sbom

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func newTestGenerator() *Generator {
	return &Generator{
		infeasible: make(map[string]struct{}),
		feasible:   make(map[string]struct{}),
		log:        logrus.NewEntry(logrus.New()),
	}
}

func TestGenerator_MarkAndIsInfeasible(t *testing.T) {
	g := newTestGenerator()
	s := New("a", "b")
	assert.False(t, g.isInfeasible(s))
	g.markInfeasible(s)
	assert.True(t, g.isInfeasible(s))
	assert.True(t, g.isInfeasible(New("b", "a")), "infeasible lookup should ignore package order")
}

func TestGenerator_IsSupersetOfFeasible(t *testing.T) {
	g := newTestGenerator()
	g.markFeasible(New("a", "b"))

	assert.True(t, g.isSupersetOfFeasible(New("a", "b", "c")))
	assert.True(t, g.isSupersetOfFeasible(New("b", "a")))
	assert.False(t, g.isSupersetOfFeasible(New("a")))
	assert.False(t, g.isSupersetOfFeasible(New("x", "y")))
}

func TestMultiStepOutcome_LevelErrorAlwaysWins(t *testing.T) {
	levelErr := errors.New("level failed")
	nestedErr := errors.New("nested failed")
	assert.Equal(t, levelErr, multiStepOutcome(levelErr, true, nestedErr))
	assert.Equal(t, levelErr, multiStepOutcome(levelErr, false, nestedErr))
}

func TestMultiStepOutcome_SurfacesNestedErrorWhenNothingYielded(t *testing.T) {
	nestedErr := errors.New("nested failed")
	assert.Equal(t, nestedErr, multiStepOutcome(nil, false, nestedErr))
}

func TestMultiStepOutcome_SuccessWhenSomethingYielded(t *testing.T) {
	nestedErr := errors.New("nested failed")
	assert.NoError(t, multiStepOutcome(nil, true, nestedErr))
}

func TestMultiStepOutcome_NilWhenNothingFailedOrYielded(t *testing.T) {
	assert.NoError(t, multiStepOutcome(nil, false, nil))
}
