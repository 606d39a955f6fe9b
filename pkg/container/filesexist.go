package container

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// maxProbeArgs is the largest batch of paths passed to a single
// deptective-files-exist invocation, keeping each exec's argument list well
// under typical kernel/exec argument-length limits.
const maxProbeArgs = 255

// maxConcurrentProbes bounds how many deptective-files-exist batches run at
// once, so a huge candidate path list doesn't flood the engine with exec
// requests.
const maxConcurrentProbes = 4

// FilesExist reports, for every path in paths, whether it exists inside img.
// Paths are probed in batches of at most maxProbeArgs via the embedded
// deptective-files-exist helper, which prints one line per path that does
// *not* exist; any path the helper never mentions is deemed existing. A
// zero-length paths slice returns an empty map without invoking the helper.
func (m *Manager) FilesExist(ctx context.Context, img *Image, paths []string) (map[string]bool, error) {
	result := make(map[string]bool, len(paths))
	if len(paths) == 0 {
		return result, nil
	}

	var batches [][]string
	for start := 0; start < len(paths); start += maxProbeArgs {
		end := start + maxProbeArgs
		if end > len(paths) {
			end = len(paths)
		}
		batches = append(batches, paths[start:end])
	}

	var mu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentProbes)
	for _, batch := range batches {
		batch := batch
		group.Go(func() error {
			missing, err := m.probeBatch(gctx, img, batch)
			if err != nil {
				return err
			}
			mu.Lock()
			for _, path := range batch {
				result[path] = !missing[path]
			}
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Manager) probeBatch(ctx context.Context, img *Image, batch []string) (map[string]bool, error) {
	cmd := append([]string{"/usr/bin/deptective-files-exist"}, batch...)
	exe, err := m.Run(ctx, img, cmd)
	if err != nil {
		return nil, fmt.Errorf("running file-existence probe: %w", err)
	}
	defer exe.Close(ctx)

	exitCode, err := exe.ExitCode(ctx)
	if err != nil {
		return nil, err
	}
	output, err := exe.Output(ctx)
	if err != nil {
		return nil, err
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("deptective-files-exist exited %d: %s", exitCode, output)
	}

	missing := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		missing[line] = true
	}
	return missing, scanner.Err()
}
