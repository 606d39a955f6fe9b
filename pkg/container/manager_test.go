package container

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readTarNames(t *testing.T, r io.Reader) []string {
	t.Helper()
	tr := tar.NewReader(r)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	return names
}

func TestRandomHex_LengthAndUniqueness(t *testing.T) {
	a, err := randomHex(8)
	require.NoError(t, err)
	b, err := randomHex(8)
	require.NoError(t, err)
	assert.Len(t, a, 16) // hex-encoded
	assert.NotEqual(t, a, b)
}

func TestStepTag_Format(t *testing.T) {
	m := &Manager{prefix: "deadbeef"}
	tag, err := m.StepTag(3)
	require.NoError(t, err)
	assert.Equal(t, "trailofbits/deptective-deadbeef:step3", tag)
}

func TestBaseImageTag_Format(t *testing.T) {
	m := &Manager{}
	tag, err := m.BaseImageTag("apt", "ubuntu", "noble", "amd64")
	require.NoError(t, err)
	assert.Equal(t, "trailofbits/deptective-strace-apt-ubuntu-noble-amd64:latest", tag)
}

func TestBaseImageTag_RejectsInvalidCharacters(t *testing.T) {
	m := &Manager{}
	_, err := m.BaseImageTag("apt", "Ubuntu Server", "noble", "amd64")
	assert.Error(t, err)
}

func TestModuleContextTar_ExcludesReservedDirsAndIncludesDockerfile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "cmd", "deptective-strace"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cmd", "deptective-strace", "main.go"), []byte("package main\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "_examples", "teacher"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "_examples", "teacher", "leak.go"), []byte("package leak\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "HEAD"), []byte("ref: refs/heads/main\n"), 0o644))

	r, err := moduleContextTar("FROM golang:1.25\n", dir)
	require.NoError(t, err)

	names := readTarNames(t, r)
	assert.Contains(t, names, "Dockerfile")
	assert.Contains(t, names, "cmd/deptective-strace/main.go")
	for _, n := range names {
		assert.NotContains(t, n, "_examples")
		assert.NotContains(t, n, ".git")
	}
}
