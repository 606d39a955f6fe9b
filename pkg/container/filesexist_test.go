package container

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilesExist_EmptyPathsNeverInvokesTheHelper(t *testing.T) {
	m := &Manager{}
	result, err := m.FilesExist(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, result)
}
