package sbom

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/trailofbits/deptective/pkg/container"
	"github.com/trailofbits/deptective/pkg/contentcache"
	"github.com/trailofbits/deptective/pkg/packagemanager"
	"github.com/trailofbits/deptective/pkg/progress"
)

// Generator owns everything shared across one search run: the content index
// cache, the container engine handle, the distribution's base strace image,
// and the two search-tree-wide sets pruning depends on.
type Generator struct {
	Cache      *contentcache.Cache
	Containers *container.Manager
	PM         packagemanager.Manager
	BaseImage  *container.Image

	// SourceDir is the designated source tree copied into every root step's
	// /src before the adapter's update runs, mirroring the original
	// implementation's read-only bind mount of the invoking directory.
	SourceDir string

	// Progress observes stage transitions as the search runs; nil disables
	// reporting entirely (every call site guards against it).
	Progress progress.Reporter

	infeasible map[string]struct{}
	feasible   map[string]struct{}

	log *logrus.Entry
}

// NewGenerator builds (or reuses) the base strace image for pm and returns a
// Generator ready to drive searches against it. moduleDir is the Deptective
// module root, whose cmd/deptective-strace and cmd/deptective-files-exist
// sources feed the image's builder stage. sourceDir is the designated source
// tree (normally the invoking directory) copied into every root step's /src.
func NewGenerator(ctx context.Context, cache *contentcache.Cache, containers *container.Manager, pm packagemanager.Manager, moduleDir, sourceDir string, force bool) (*Generator, error) {
	cfg := pm.Config()
	tag, err := containers.BaseImageTag(pm.Name(), cfg.OS, cfg.OSVersion, cfg.Arch)
	if err != nil {
		return nil, err
	}
	cacheDir, err := contentcache.CacheDir()
	if err != nil {
		return nil, err
	}
	sidecar := filepath.Join(cacheDir, packagemanager.DockerfileSidecarName(pm.Name(), cfg))

	base, err := containers.EnsureBaseImage(ctx, container.BaseImageSpec{
		Tag:         tag,
		Dockerfile:  pm.Dockerfile(),
		ModuleDir:   moduleDir,
		SidecarPath: sidecar,
	}, force)
	if err != nil {
		return nil, fmt.Errorf("preparing base image for %s: %w", pm.Name(), err)
	}

	return &Generator{
		Cache:      cache,
		Containers: containers,
		PM:         pm,
		BaseImage:  base,
		SourceDir:  sourceDir,
		infeasible: make(map[string]struct{}),
		feasible:   make(map[string]struct{}),
		log:        logrus.WithField("component", "sbom"),
	}, nil
}

func (g *Generator) markInfeasible(s SBOM) {
	if !s.Empty() {
		g.log.WithField("sbom", s.String()).Info("infeasible dependency sequence")
	}
	g.infeasible[s.Key()] = struct{}{}
}

func (g *Generator) isInfeasible(s SBOM) bool {
	_, ok := g.infeasible[s.Key()]
	return ok
}

func (g *Generator) markFeasible(s SBOM) {
	g.feasible[s.Key()] = struct{}{}
}

// isSupersetOfFeasible reports whether s is a superset of any already
// discovered feasible SBOM, making it redundant to explore.
func (g *Generator) isSupersetOfFeasible(s SBOM) bool {
	for key := range g.feasible {
		feasible := keyToSBOM(key)
		if s.IsSupersetOf(feasible) {
			return true
		}
	}
	return false
}

func keyToSBOM(key string) SBOM {
	if key == "" {
		return New()
	}
	var packages []string
	start := 0
	for i := 0; i <= len(key); i++ {
		if i == len(key) || key[i] == 0 {
			packages = append(packages, key[start:i])
			start = i + 1
		}
	}
	return New(packages...)
}

// Result pairs a yielded SBOM with the step that produced it, mirroring the
// original implementation's (sbom, step) tuples, so a caller can inspect the
// winning step's retval/output if it needs to.
type Result struct {
	SBOM SBOM
	Step *Step
}

// Run performs a single-command search, yielding every feasible SBOM found
// via yield. It stops early if yield returns false. A failed search returns a
// GenerationError (NonZeroExit, PackageResolutionError, PreinstallError, or
// IrrelevantPackageInstall); container-engine, strace-log, and cache failures
// are returned as ordinary wrapped errors.
func (g *Generator) Run(ctx context.Context, command string, args []string, yield func(Result) bool) error {
	root := g.newRootStep(command, args)
	_, err := root.findFeasibleSBOMs(ctx, func(res Result) bool {
		g.markFeasible(res.SBOM)
		if g.Progress != nil {
			g.Progress.Yielded(res.Step.level, res.SBOM.Packages())
		}
		return yield(res)
	})
	return err
}

// MultiStep drives the multi-command search: commands[0] is searched as a
// normal single-step run; every feasible SBOM it yields becomes the parent
// image for a nested search of commands[1], and so on. Because each child
// inherits its ancestors' installed packages, the parent-chain SBOM()
// accumulates the full union naturally. Yielded results from the final
// command are the complete multi-step answers.
func (g *Generator) MultiStep(ctx context.Context, commands [][]string, yield func(Result) bool) error {
	if len(commands) == 0 {
		return nil
	}
	root := g.newRootStep(commands[0][0], commands[0][1:])
	return g.multiStep(ctx, commands, root, yield)
}

func (g *Generator) multiStep(ctx context.Context, commands [][]string, step *Step, yield func(Result) bool) error {
	if len(commands) == 0 {
		return nil
	}
	if len(commands) == 1 {
		_, err := step.findFeasibleSBOMs(ctx, func(res Result) bool {
			g.markFeasible(res.SBOM)
			return yield(res)
		})
		return err
	}

	// anyYielded tracks whether any leaf of this command's search led to a
	// complete final result through the remaining commands; lastNestedErr
	// remembers the most recent reason a leaf's nested search came up empty,
	// so it can be surfaced if every leaf fails the same way.
	anyYielded := false
	var lastNestedErr error
	_, err := step.findFeasibleSBOMs(ctx, func(res Result) bool {
		g.markFeasible(res.SBOM)
		next := res.Step.child(commands[1][0], commands[1][1:], nil)
		keepGoing := true
		nestedYielded := false
		nestedErr := g.multiStep(ctx, commands[1:], next, func(r Result) bool {
			nestedYielded = true
			keepGoing = yield(r)
			return keepGoing
		})
		if nestedYielded {
			anyYielded = true
			return keepGoing
		}
		if nestedErr != nil {
			lastNestedErr = nestedErr
			g.log.WithError(nestedErr).Debug("nested multi-step search produced no result for this candidate")
		}
		// This candidate's command[0] success never led anywhere further
		// down the chain; don't let it count as an accepted final result.
		return false
	})
	return multiStepOutcome(err, anyYielded, lastNestedErr)
}

// multiStepOutcome decides what a multiStep call at one level should
// ultimately return: a search error at this level always wins; otherwise, if
// no leaf's nested search ever reached a final result, the reason the last
// one came up empty is surfaced instead of silently reporting success.
func multiStepOutcome(err error, anyYielded bool, lastNestedErr error) error {
	if err != nil {
		return err
	}
	if !anyYielded && lastNestedErr != nil {
		return lastNestedErr
	}
	return nil
}
