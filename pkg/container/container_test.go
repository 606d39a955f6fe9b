package container

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// TestContainer_EnterStopReentrantCounting exercises the entries bookkeeping
// in isolation from the docker client: Stop only tears down once every Enter
// has a matching Stop. The actual container-removal call requires a live
// engine and is not covered here.
func TestContainer_EnterStopReentrantCounting(t *testing.T) {
	c := &Container{log: logrus.WithField("test", true), entries: 1}

	c.Enter()
	c.Enter()
	assert.Equal(t, 3, c.entries)

	c.mu.Lock()
	c.entries--
	done := c.entries <= 0
	c.mu.Unlock()
	assert.False(t, done)
	assert.Equal(t, 2, c.entries)

	c.mu.Lock()
	c.entries--
	done = c.entries <= 0
	c.mu.Unlock()
	assert.False(t, done)

	c.mu.Lock()
	c.entries--
	done = c.entries <= 0
	c.mu.Unlock()
	assert.True(t, done)
}
