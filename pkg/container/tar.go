package container

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// tarWriter accumulates regular files into a single build-context tar
// stream, mirroring the archive/tar usage the teacher's registry inspection
// code uses to read OCI layers — here used in reverse, to build one.
type tarWriter struct {
	tw *tar.Writer
}

func newTarWriter(w io.Writer) *tarWriter {
	return &tarWriter{tw: tar.NewWriter(w)}
}

func (t *tarWriter) add(name string, content []byte) error {
	hdr := &tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(content)),
	}
	if err := t.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("writing tar header for %s: %w", name, err)
	}
	if _, err := t.tw.Write(content); err != nil {
		return fmt.Errorf("writing tar content for %s: %w", name, err)
	}
	return nil
}

func (t *tarWriter) close() error {
	return t.tw.Close()
}

// DirTar packages the tree rooted at dir into a tar stream suitable for
// Container.CopySource, preserving relative paths, file modes, and symlinks.
// Used to inject the designated source tree (the command's working
// directory) into a root step's setup container before it runs the
// adapter's update, mirroring the original implementation's read-only
// bind mount of the invoking directory to /src.
func DirTar(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return fmt.Errorf("reading symlink %s: %w", path, err)
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("building tar header for %s: %w", path, err)
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("writing tar header for %s: %w", path, err)
		}
		if info.Mode().IsRegular() {
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading %s for source tar: %w", path, err)
			}
			if _, err := tw.Write(content); err != nil {
				return fmt.Errorf("writing tar content for %s: %w", path, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("assembling source tar from %s: %w", dir, err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("closing source tar: %w", err)
	}
	return &buf, nil
}
