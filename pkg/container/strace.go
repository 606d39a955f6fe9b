package container

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
)

// Strace runs command (and its arguments) under the embedded
// deptective-strace helper inside img, logging its raw syscall trace to
// StraceLogPath. The returned Execution reports the traced command's own
// exit code and output, exactly as deptective-strace forwards them.
func (m *Manager) Strace(ctx context.Context, img *Image, command string, args []string) (*Execution, error) {
	cmd := append([]string{"/usr/bin/deptective-strace", StraceLogPath, command}, args...)
	return m.Run(ctx, img, cmd)
}

// ReadLog extracts the raw strace log deptective-strace wrote inside e's
// container, once the execution has completed.
func (e *Execution) ReadLog(ctx context.Context) ([]byte, error) {
	reader, _, err := e.mgr.cli.CopyFromContainer(ctx, e.id, StraceLogPath)
	if err != nil {
		return nil, fmt.Errorf("copying strace log from %s: %w", e.id, err)
	}
	defer reader.Close()

	content, err := extractSingleFile(reader)
	if err != nil {
		return nil, fmt.Errorf("reading strace log archive from %s: %w", e.id, err)
	}
	return content, nil
}

// extractSingleFile reads the first (and only) entry of a tar stream, the
// shape CopyFromContainer always returns for a single source path.
func extractSingleFile(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	if _, err := tr.Next(); err != nil {
		return nil, err
	}
	return io.ReadAll(tr)
}
