package straceparser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine_SimpleCall(t *testing.T) {
	line, err := ParseLine(`openat(AT_FDCWD, "/etc/passwd", O_RDONLY) = 3`)
	require.NoError(t, err)
	assert.Equal(t, "openat", line.Syscall)
	assert.Equal(t, 3, line.Retval)
	require.Len(t, line.Args, 3)
	assert.Equal(t, "/etc/passwd", line.Args[1].Value)
	assert.True(t, line.Args[1].Quoted)
}

func TestParseLine_NegativeRetval(t *testing.T) {
	line, err := ParseLine(`stat("/missing", 0x7ffd) = -1 ENOENT (No such file or directory)`)
	require.NoError(t, err)
	assert.Equal(t, "stat", line.Syscall)
	assert.Equal(t, -1, line.Retval)
}

func TestParseLine_Resumed(t *testing.T) {
	resumed, err := ParseLine(`<... read resumed>"/etc/passwd", 1024) = 5`)
	require.NoError(t, err)
	assert.Equal(t, "read", resumed.Syscall)
	assert.Equal(t, 5, resumed.Retval)
}

func TestLazyPathExtractor_HandlesUnfinishedLines(t *testing.T) {
	line := `execve("/bin/sh", ["/bin/sh", "-c", "true"], 0x7ffd <unfinished ...>`
	var got []string
	for path := range LazyPathExtractor(line) {
		got = append(got, path)
	}
	assert.Equal(t, []string{"/bin/sh", "/bin/sh"}, got)
}

func TestParseLine_ExitAndSignalMarkers(t *testing.T) {
	exit, err := ParseLine(`+++ exited with 0 +++`)
	require.NoError(t, err)
	assert.Equal(t, "", exit.Syscall)
	assert.Equal(t, 1, exit.Retval)

	sig, err := ParseLine(`--- SIGCHLD {si_signo=SIGCHLD, si_pid=123} ---`)
	require.NoError(t, err)
	assert.Equal(t, "", sig.Syscall)
}

func TestParseLine_Unrecognized(t *testing.T) {
	_, err := ParseLine(`this is not a strace line`)
	require.Error(t, err)
}

func TestParseSyscallArgs_TruncatedList(t *testing.T) {
	args, err := ParseSyscallArgs(`["/bin/ls", "-la", ...]`)
	require.NoError(t, err)
	require.Len(t, args, 1)
	assert.Contains(t, args[0].Value, "...")
}

func TestParseSyscallArgs_Escapes(t *testing.T) {
	args, err := ParseSyscallArgs(`"line\nbreak"`)
	require.NoError(t, err)
	require.Len(t, args, 1)
	assert.Equal(t, "line\nbreak", args[0].Value)
}

func TestLazyPathExtractor_YieldsOnlyAbsolutePaths(t *testing.T) {
	line := `openat(AT_FDCWD, "/usr/lib/libc.so", O_RDONLY, "relative/not/a/path") = 3`
	var got []string
	for path := range LazyPathExtractor(line) {
		got = append(got, path)
	}
	assert.Equal(t, []string{"/usr/lib/libc.so"}, got)
}

func TestLazyPathExtractor_StopsWhenYieldReturnsFalse(t *testing.T) {
	line := `execve("/bin/sh", ["/bin/sh", "/etc/profile"], NULL) = 0`
	var got []string
	for path := range LazyPathExtractor(line) {
		got = append(got, path)
		break
	}
	assert.Equal(t, []string{"/bin/sh"}, got)
}

func TestLazyPathExtractor_NoPaths(t *testing.T) {
	line := `getpid() = 1234`
	count := 0
	for range LazyPathExtractor(line) {
		count++
	}
	assert.Equal(t, 0, count)
}
