package container

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/sirupsen/logrus"
)

// Container is a stack-like setup handle bound to a parent Image: Start runs
// a short-lived container against the parent, the owner mutates it (copy
// files in, install packages, run the adapter's update), then Commit seals
// the result into a new Image and Stop tears the setup container down and
// releases the parent reference. The entries counter is re-entrant, mirroring
// Container.__enter__/__exit__ in the original implementation.
type Container struct {
	mgr    *Manager
	parent *Image
	id     string
	log    *logrus.Entry

	mu      sync.Mutex
	entries int
}

// Start launches a long-lived, idle setup container ("sleep infinity") from
// parent, ready to receive ExecRun calls.
func (m *Manager) Start(ctx context.Context, parent *Image) (*Container, error) {
	resp, err := m.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      parent.Tag(),
			Entrypoint: []string{"sleep"},
			Cmd:        []string{"infinity"},
			WorkingDir: WorkDir,
		},
		&container.HostConfig{AutoRemove: false},
		nil, nil, "",
	)
	if err != nil {
		return nil, fmt.Errorf("creating setup container from %s: %w", parent.Tag(), err)
	}
	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("starting setup container %s: %w", resp.ID, err)
	}

	c := &Container{
		mgr:     m,
		parent:  parent.Ref(),
		id:      resp.ID,
		log:     m.log.WithField("container", resp.ID[:12]),
		entries: 1,
	}
	return c, nil
}

// Enter increments the reentrant entry count, allowing nested callers to
// share one setup container without racing its teardown.
func (c *Container) Enter() *Container {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries++
	return c
}

// ExecRun runs command (interpreted by the image's shell) inside the setup
// container and returns its exit code and combined stdout/stderr, the
// primitive packagemanager.Exec is built on.
func (c *Container) ExecRun(ctx context.Context, command string) (int, []byte, error) {
	execResp, err := c.mgr.cli.ContainerExecCreate(ctx, c.id, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   WorkDir,
	})
	if err != nil {
		return 0, nil, fmt.Errorf("creating exec for %q: %w", command, err)
	}

	attach, err := c.mgr.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return 0, nil, fmt.Errorf("attaching exec for %q: %w", command, err)
	}
	defer attach.Close()

	output, err := readDemuxed(attach.Reader)
	if err != nil {
		return 0, nil, fmt.Errorf("reading exec output for %q: %w", command, err)
	}

	inspect, err := c.mgr.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return 0, nil, fmt.Errorf("inspecting exec for %q: %w", command, err)
	}
	return inspect.ExitCode, output, nil
}

// CopySource copies the tar stream src into the container at destDir (used
// by the root step to populate /workdir from a designated source tree before
// the adapter's update runs).
func (c *Container) CopySource(ctx context.Context, destDir string, src io.Reader) error {
	if err := c.mgr.cli.CopyToContainer(ctx, c.id, destDir, src, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copying source tree into %s: %w", c.id, err)
	}
	return nil
}

// Commit seals the setup container's current filesystem state into a new,
// independently reference-counted Image tagged tag.
func (c *Container) Commit(ctx context.Context, tag string) (*Image, error) {
	_, err := c.mgr.cli.ContainerCommit(ctx, c.id, container.CommitOptions{Reference: tag})
	if err != nil {
		return nil, fmt.Errorf("committing %s to %s: %w", c.id, tag, err)
	}
	return c.mgr.newImage(tag), nil
}

// Stop removes the setup container once every Enter has a matching Stop, and
// releases the reference Start took on the parent image.
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.entries--
	done := c.entries <= 0
	c.mu.Unlock()
	if !done {
		return nil
	}

	if err := c.mgr.cli.ContainerRemove(ctx, c.id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("removing setup container %s: %w", c.id, err)
	}
	return c.parent.Release(ctx)
}
