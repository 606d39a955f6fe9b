package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"
)

// readDemuxed copies a multiplexed Docker attach stream's stdout and stderr
// into one combined buffer, the way the engine's own `docker logs`/attach
// plumbing does internally.
func readDemuxed(r io.Reader) ([]byte, error) {
	var out bytes.Buffer
	if _, err := stdcopy.StdCopy(&out, &out, r); err != nil && err != io.EOF {
		return out.Bytes(), err
	}
	return out.Bytes(), nil
}

// Execution is a running container produced from a committed image with a
// specific command, entrypoint, and working directory: the vehicle for
// `deptective-strace` runs and one-shot `deptective-files-exist` probes.
type Execution struct {
	mgr *Manager
	id  string
	log *logrus.Entry

	mu       sync.Mutex
	closed   bool
	exitCode int
	output   []byte
	waited   bool
}

// Run starts a one-shot container from img with entrypoint overridden to
// cmd, rooted at WorkDir.
func (m *Manager) Run(ctx context.Context, img *Image, cmd []string) (*Execution, error) {
	resp, err := m.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      img.Tag(),
			Entrypoint: []string{cmd[0]},
			Cmd:        cmd[1:],
			WorkingDir: WorkDir,
		},
		&container.HostConfig{AutoRemove: false},
		nil, nil, "",
	)
	if err != nil {
		return nil, fmt.Errorf("creating execution container from %s: %w", img.Tag(), err)
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("starting execution container %s: %w", resp.ID, err)
	}
	return &Execution{
		mgr: m,
		id:  resp.ID,
		log: m.log.WithField("execution", resp.ID[:12]),
	}, nil
}

// Done reports, without blocking, whether the execution has finished or been
// closed.
func (e *Execution) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.waited {
		return true
	}
	inspect, err := e.mgr.cli.ContainerInspect(context.Background(), e.id)
	if err != nil {
		return true
	}
	return !inspect.State.Running
}

// ExitCode blocks until the execution exits and returns its status code.
func (e *Execution) ExitCode(ctx context.Context) (int, error) {
	if err := e.await(ctx); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitCode, nil
}

// Output returns the execution's combined stdout/stderr, captured once after
// completion.
func (e *Execution) Output(ctx context.Context) ([]byte, error) {
	if err := e.await(ctx); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.output, nil
}

func (e *Execution) await(ctx context.Context) error {
	e.mu.Lock()
	if e.waited {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	statusCh, errCh := e.mgr.cli.ContainerWait(ctx, e.id, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("waiting for execution %s: %w", e.id, err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	logs, err := e.mgr.cli.ContainerLogs(ctx, e.id, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return fmt.Errorf("reading logs for execution %s: %w", e.id, err)
	}
	defer logs.Close()
	output, err := readDemuxed(logs)
	if err != nil {
		return fmt.Errorf("demuxing logs for execution %s: %w", e.id, err)
	}

	e.mu.Lock()
	e.exitCode = int(exitCode)
	e.output = output
	e.waited = true
	e.mu.Unlock()
	return nil
}

// Logs returns a best-effort tail of the execution's output so far, for live
// progress display. It returns nil once the execution has been closed.
func (e *Execution) Logs(ctx context.Context, scrollback int) []byte {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	reader, err := e.mgr.cli.ContainerLogs(ctx, e.id, container.LogsOptions{
		ShowStdout: true, ShowStderr: true, Tail: fmt.Sprintf("%d", scrollback),
	})
	if err != nil {
		return nil
	}
	defer reader.Close()
	output, err := readDemuxed(reader)
	if err != nil {
		return nil
	}
	return output
}

// Close idempotently removes the execution's container, regardless of
// whether it has finished.
func (e *Execution) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if err := e.mgr.cli.ContainerRemove(ctx, e.id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing execution container %s: %w", e.id, err)
	}
	return nil
}
