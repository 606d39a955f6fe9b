package container

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// Image is an immutable, tagged snapshot layer, reference-counted by the
// step tree: a child step's open holds a reference to its parent image, and
// closing the child releases that reference.
type Image struct {
	mgr *Manager
	tag string
	log *logrus.Entry

	mu   sync.Mutex
	refs int
}

// newImage wraps an already-built/committed tag with a single initial
// reference, owned by its caller.
func (m *Manager) newImage(tag string) *Image {
	return &Image{
		mgr:  m,
		tag:  tag,
		log:  m.log.WithField("image", tag),
		refs: 1,
	}
}

// Tag returns the image's engine-visible name.
func (img *Image) Tag() string { return img.tag }

// Ref increments the reference count and returns img, so a child step can
// hold its parent open for its own lifetime.
func (img *Image) Ref() *Image {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.refs++
	return img
}

// Release decrements the reference count, removing the underlying engine
// image once it reaches zero. Safe to call from multiple step-tree branches
// as steps are disposed during unwind.
func (img *Image) Release(ctx context.Context) error {
	img.mu.Lock()
	img.refs--
	dead := img.refs <= 0
	img.mu.Unlock()
	if !dead {
		return nil
	}
	img.log.Debug("releasing image")
	return img.mgr.removeImage(ctx, img.tag)
}

// BaseImageSpec describes the inputs needed to (re)build a distribution's
// base strace image. The build context is the whole Deptective module tree
// rooted at ModuleDir, so the recipe's builder stage can `go build` the two
// embedded helpers (cmd/deptective-strace, cmd/deptective-files-exist) from
// source rather than requiring host-prebuilt binaries.
type BaseImageSpec struct {
	Tag         string
	Dockerfile  string
	ModuleDir   string
	SidecarPath string
}

// helperSources are the files whose mtimes participate in the base image
// freshness check alongside the recipe text, mirroring the original
// implementation's comparison against deptective-strace/deptective-files-exist.
var helperSources = []string{
	filepath.Join("cmd", "deptective-strace", "main.go"),
	filepath.Join("cmd", "deptective-files-exist", "main.go"),
}

// EnsureBaseImage returns a reference to spec.Tag, building it first if it
// is missing or the sidecar sentinel no longer matches the recipe text and
// helper mtimes, and always when force is true.
func (m *Manager) EnsureBaseImage(ctx context.Context, spec BaseImageSpec, force bool) (*Image, error) {
	fresh, err := isFresh(spec)
	if err != nil {
		return nil, err
	}
	if !force && fresh {
		if exists, err := m.imageExists(ctx, spec.Tag); err == nil && exists {
			return m.newImage(spec.Tag), nil
		}
	}

	m.log.WithField("tag", spec.Tag).Info("building base image (one-time, may take a few minutes)")
	buildCtx, err := moduleContextTar(spec.Dockerfile, spec.ModuleDir)
	if err != nil {
		return nil, err
	}

	resp, err := m.cli.ImageBuild(ctx, buildCtx, build.ImageBuildOptions{
		Tags:       []string{spec.Tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("building image %s: %w", spec.Tag, err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return nil, fmt.Errorf("reading build output for %s: %w", spec.Tag, err)
	}

	if err := writeSidecar(spec); err != nil {
		return nil, err
	}
	return m.newImage(spec.Tag), nil
}

func (m *Manager) imageExists(ctx context.Context, tag string) (bool, error) {
	_, _, err := m.cli.ImageInspectWithRaw(ctx, tag)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, err
}

// isFresh reports whether spec's sidecar sentinel already records exactly
// this recipe and these helper mtimes.
func isFresh(spec BaseImageSpec) (bool, error) {
	recorded, err := os.ReadFile(spec.SidecarPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return string(recorded) == sentinel(spec), nil
}

func writeSidecar(spec BaseImageSpec) error {
	if err := os.MkdirAll(filepath.Dir(spec.SidecarPath), 0o755); err != nil {
		return fmt.Errorf("creating sidecar directory: %w", err)
	}
	return os.WriteFile(spec.SidecarPath, []byte(sentinel(spec)), 0o644)
}

func sentinel(spec BaseImageSpec) string {
	s := spec.Dockerfile
	for _, rel := range helperSources {
		path := filepath.Join(spec.ModuleDir, rel)
		if info, err := os.Stat(path); err == nil {
			s += fmt.Sprintf("\n%s@%d", rel, info.ModTime().UnixNano())
		}
	}
	return s
}
