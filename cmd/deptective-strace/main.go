// Command deptective-strace is an embedded helper baked into every
// Deptective base image. It runs a target command under the image's native
// strace binary, filtered to file-related syscalls, writing the raw log to
// a fixed path and forwarding the traced command's stdout/stderr and exit
// code verbatim.
package main

import (
	"fmt"
	"os"
	"os/exec"
)

// straceFileSyscalls is the syscall filter strace applies: every call whose
// arguments can name a filesystem path, wide enough that the lazy path
// extractor sees every access the command makes without drowning the log in
// unrelated syscalls (signal delivery, memory management, scheduling).
const straceFileSyscalls = "trace=file,read,write,execve,execveat"

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: deptective-strace <log-path> <cmd> [args...]")
		os.Exit(2)
	}
	logPath := os.Args[1]
	command := os.Args[2]
	args := os.Args[3:]

	straceArgs := append([]string{
		"-f", "-qq",
		"-e", straceFileSyscalls,
		"-s", "4096",
		"-o", logPath,
		"--", command,
	}, args...)

	cmd := exec.Command("/usr/bin/strace-native", straceArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	err := cmd.Run()
	if err == nil {
		os.Exit(0)
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		os.Exit(exitErr.ExitCode())
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
