// Package container implements Deptective's Container Manager: the engine
// abstraction that builds base images, runs one-shot setup and probe
// containers, commits snapshots, and tears them down. It drives the Docker
// Engine API directly (rather than shelling out to the docker CLI) via
// github.com/docker/docker/client.
package container

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/sirupsen/logrus"
)

// StraceLogPath is the in-container path the deptective-strace helper writes
// its raw syscall log to.
const StraceLogPath = "/tmp/deptective-strace.log"

// WorkDir is the in-container directory the search engine runs commands from.
const WorkDir = "/workdir"

// Manager owns the Engine API client and the per-run tag namespace that
// keeps concurrent Deptective invocations from colliding in the local image
// store.
type Manager struct {
	cli    *client.Client
	log    *logrus.Entry
	prefix string
}

// New connects to the local Engine API (via DOCKER_HOST / the default Unix
// socket, exactly as client.FromEnv resolves it) and assigns this run a
// random tag prefix.
func New() (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to container engine: %w", err)
	}
	prefix, err := randomHex(8)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cli:    cli,
		log:    logrus.WithField("component", "container"),
		prefix: prefix,
	}, nil
}

// Close releases the Engine API client connection.
func (m *Manager) Close() error {
	return m.cli.Close()
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating random tag suffix: %w", err)
	}
	return fmt.Sprintf("%x", buf), nil
}

// StepTag returns the namespaced, validated tag for the committing image of
// search-tree level, partitioned by this run's random prefix so concurrent
// Deptective invocations never collide in the local image store.
func (m *Manager) StepTag(level int) (string, error) {
	ref := fmt.Sprintf("trailofbits/deptective-%s:step%d", m.prefix, level)
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return "", fmt.Errorf("building step tag: %w", err)
	}
	return parsed.String(), nil
}

// BaseImageTag returns the validated tag for the base strace image of the
// given package manager/os/version/arch combination.
func (m *Manager) BaseImageTag(pmName, os, osVersion, arch string) (string, error) {
	ref := fmt.Sprintf("trailofbits/deptective-strace-%s-%s-%s-%s:latest", pmName, os, osVersion, arch)
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return "", fmt.Errorf("building base image tag: %w", err)
	}
	return parsed.String(), nil
}

// removeImage forcibly removes a local image tag. It tolerates "no such
// image" since multiple Images may share the last reference during unwind.
func (m *Manager) removeImage(ctx context.Context, tag string) error {
	_, err := m.cli.ImageRemove(ctx, tag, image.RemoveOptions{Force: true, PruneChildren: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing image %s: %w", tag, err)
	}
	return nil
}

// excludedFromContext skips paths that must never enter the build context:
// the read-only example/reference pack, VCS metadata, and prior build
// artifacts.
var excludedFromContext = map[string]bool{
	"_examples": true,
	".git":      true,
	"bin":       true,
}

// moduleContextTar packages the Deptective module tree rooted at moduleDir,
// plus a synthesized Dockerfile, into a single build context tar stream.
func moduleContextTar(dockerfile, moduleDir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := newTarWriter(&buf)
	if err := tw.add("Dockerfile", []byte(dockerfile)); err != nil {
		return nil, err
	}

	err := filepath.Walk(moduleDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(moduleDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		top := strings.SplitN(rel, string(filepath.Separator), 2)[0]
		if excludedFromContext[top] {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s for build context: %w", path, err)
		}
		return tw.add(filepath.ToSlash(rel), content)
	})
	if err != nil {
		return nil, fmt.Errorf("assembling build context from %s: %w", moduleDir, err)
	}

	if err := tw.close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
