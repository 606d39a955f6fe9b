package sbom

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/trailofbits/deptective/pkg/container"
	"github.com/trailofbits/deptective/pkg/straceparser"
)

// Step is one node of the search tree: a container snapshot produced by
// installing preinstall atop its parent's snapshot, and the result of
// running command/args against it.
type Step struct {
	generator *Generator
	level     int
	command   string
	args      []string
	preinstall []string
	parent    *Step
	root      *Step

	triedPackages map[string]struct{}

	retval        int
	commandOutput []byte
	missingFiles  []string

	image     *container.Image
	parentRef *container.Image

	// best is only meaningful on a root step (root == self): it tracks the
	// deepest step constructed so far in this search tree, standing in for
	// the original implementation's weak-pointer "most promising partial
	// SBOM".
	best *Step

	log *logrus.Entry
}

func (g *Generator) newRootStep(command string, args []string) *Step {
	s := &Step{
		generator:     g,
		level:         0,
		command:       command,
		args:          append([]string(nil), args...),
		triedPackages: make(map[string]struct{}),
		log:           g.log.WithField("level", 0),
	}
	s.root = s
	return s
}

// child builds a new step one level deeper than s, installing preinstall on
// top of s's committed snapshot. command/args are usually s.command/s.args
// (trying a candidate package for the same command); MultiStep passes a
// fresh command/args when chaining to the next command in the sequence.
func (s *Step) child(command string, args []string, preinstall []string) *Step {
	child := &Step{
		generator:  s.generator,
		level:      s.level + 1,
		command:    command,
		args:       append([]string(nil), args...),
		preinstall: append([]string(nil), preinstall...),
		parent:     s,
		root:       s.root,
	}
	child.triedPackages = make(map[string]struct{}, len(s.triedPackages)+len(s.preinstall))
	for pkg := range s.triedPackages {
		child.triedPackages[pkg] = struct{}{}
	}
	for _, pkg := range s.preinstall {
		child.triedPackages[pkg] = struct{}{}
	}
	child.log = s.generator.log.WithField("level", child.level)
	if child.level > child.root.bestSBOM().level {
		child.root.setBestSBOM(child)
	}
	return child
}

func (s *Step) bestSBOM() *Step {
	if s.root.best != nil {
		return s.root.best
	}
	return s.root
}

func (s *Step) setBestSBOM(step *Step) {
	s.root.best = step
}

// SBOM returns the full set of packages installed along the path from the
// root step to s.
func (s *Step) SBOM() SBOM {
	var chain []*Step
	for node := s; node != nil; node = node.parent {
		chain = append(chain, node)
	}
	result := New()
	for i := len(chain) - 1; i >= 0; i-- {
		result = result.Concat(New(chain[i].preinstall...))
	}
	return result
}

// FullCommand renders command and args as a single display string.
func (s *Step) FullCommand() string {
	if len(s.args) == 0 {
		return s.command
	}
	return s.command + " " + strings.Join(s.args, " ")
}

// MissingFilesWithoutDuplicates returns missingFiles with later repeats
// removed, preserving first-seen order.
func (s *Step) MissingFilesWithoutDuplicates() []string {
	seen := make(map[string]struct{}, len(s.missingFiles))
	out := make([]string, 0, len(s.missingFiles))
	for _, f := range s.missingFiles {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func (s *Step) setCommandOutput(value []byte) {
	s.commandOutput = value
	best := s.bestSBOM()
	if s.level == best.level && best.commandOutput != nil && len(value) > len(best.commandOutput) {
		s.setBestSBOM(s)
	}
}

// parentImage returns the committed snapshot this step should build atop:
// the generator's base image at the root, or the parent step's own snapshot
// otherwise.
func (s *Step) parentImage() *container.Image {
	if s.parent == nil {
		return s.generator.BaseImage
	}
	return s.parent.image
}

// open commits a new snapshot from the parent image: at the root, copies the
// source tree in and runs the adapter's update; at every non-root level with
// a nonempty preinstall, installs it. A nonzero install is a PreinstallError.
func (s *Step) open(ctx context.Context) error {
	parent := s.parentImage()
	s.parentRef = parent.Ref()

	setup, err := s.generator.Containers.Start(ctx, parent)
	if err != nil {
		s.parentRef.Release(ctx)
		return fmt.Errorf("starting setup container for level %d: %w", s.level, err)
	}

	if s.level == 0 {
		if err := s.seedRootStep(ctx, setup); err != nil {
			setup.Stop(ctx)
			s.parentRef.Release(ctx)
			return err
		}
	}

	if len(s.preinstall) > 0 {
		s.log.WithField("packages", s.preinstall).Info("installing candidate package")
		exitCode, output, err := s.generator.PM.Install(ctx, setup, s.preinstall...)
		if err != nil {
			setup.Stop(ctx)
			s.parentRef.Release(ctx)
			return fmt.Errorf("installing %s: %w", strings.Join(s.preinstall, " "), err)
		}
		if exitCode != 0 {
			setup.Stop(ctx)
			s.parentRef.Release(ctx)
			return &PreinstallError{
				Message: fmt.Sprintf("error installing %s: %s", strings.Join(s.preinstall, " "), output),
				Output:  output,
			}
		}
	}

	tag, err := s.generator.Containers.StepTag(s.level)
	if err != nil {
		setup.Stop(ctx)
		s.parentRef.Release(ctx)
		return err
	}
	img, err := setup.Commit(ctx, tag)
	if err != nil {
		setup.Stop(ctx)
		s.parentRef.Release(ctx)
		return err
	}
	if err := setup.Stop(ctx); err != nil {
		return err
	}
	s.image = img
	return nil
}

// seedRootStep copies the source tree into the workdir, refreshes the
// package index, and seeds missingFiles with the command and any absolute
// arguments, so the search can propose a package even when the command
// itself is absent.
func (s *Step) seedRootStep(ctx context.Context, setup *container.Container) error {
	sourceTar, err := container.DirTar(s.generator.SourceDir)
	if err != nil {
		return fmt.Errorf("packaging the source tree at %s: %w", s.generator.SourceDir, err)
	}
	if err := setup.CopySource(ctx, "/src", sourceTar); err != nil {
		return fmt.Errorf("copying source files into the container: %w", err)
	}
	if _, _, err := setup.ExecRun(ctx, "cp -r /src "+container.WorkDir); err != nil {
		return fmt.Errorf("copying source files into the container: %w", err)
	}
	if exitCode, output, err := s.generator.PM.Update(ctx, setup); err != nil {
		return fmt.Errorf("updating package index: %w", err)
	} else if exitCode != 0 {
		return fmt.Errorf("updating package index: %s", output)
	}

	for _, arg := range s.args {
		if strings.HasPrefix(arg, "/") {
			s.missingFiles = append(s.missingFiles, arg)
		}
	}
	switch {
	case strings.HasPrefix(s.command, "/"):
		s.missingFiles = append(s.missingFiles, s.command)
	case !strings.HasPrefix(s.command, "."):
		exitCode, output, err := setup.ExecRun(ctx, "printenv PATH")
		if err != nil {
			return fmt.Errorf("determining $PATH inside the container: %w", err)
		}
		if exitCode != 0 {
			return fmt.Errorf("determining $PATH inside the container: %s", output)
		}
		for _, dir := range strings.Split(strings.TrimSpace(string(output)), ":") {
			s.missingFiles = append(s.missingFiles, path.Join(strings.TrimSpace(dir), s.command))
		}
	}
	return nil
}

// close releases this step's committed snapshot and the reference it held
// on its parent's.
func (s *Step) close(ctx context.Context) error {
	var firstErr error
	if s.image != nil {
		if err := s.image.Release(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.parentRef != nil {
		if err := s.parentRef.Release(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// findFeasibleSBOMs runs this step's per-step algorithm end to end: open,
// run under strace, collect and filter missing files, accept or recurse.
// Every feasible (SBOM, Step) pair is relayed to yield; yield returning false
// stops the search early, same as a consumer breaking out of the original
// implementation's generator.
func (s *Step) findFeasibleSBOMs(ctx context.Context, yield func(Result) bool) (bool, error) {
	if err := s.open(ctx); err != nil {
		return false, err
	}
	defer s.close(ctx)

	if s.generator.Progress != nil {
		s.generator.Progress.StepStarted(s.level, s.preinstall, s.FullCommand())
	}

	if err := s.runAndCollect(ctx); err != nil {
		return false, err
	}
	if s.generator.Progress != nil {
		s.generator.Progress.StepFinished(s.level, s.retval)
	}

	if s.retval == 0 {
		return yield(Result{SBOM: New(), Step: s}), nil
	}

	if len(s.missingFiles) == 0 {
		return false, &NonZeroExit{
			Message: fmt.Sprintf("`%s` exited with code %d without accessing any files", s.FullCommand(), s.retval),
		}
	}

	if s.parent != nil && s.parent.commandOutput != nil && bytes.Equal(s.parent.commandOutput, s.commandOutput) && s.parent.retval == s.retval {
		s.log.WithField("packages", s.preinstall).Info("installing candidate package changed nothing observable")
		return false, &IrrelevantPackageInstall{
			Message: fmt.Sprintf("`%s` exited with code %d regardless of the install of package(s) %s", s.FullCommand(), s.retval, strings.Join(s.preinstall, ", ")),
		}
	}

	candidates, err := s.rankCandidates()
	if err != nil {
		return false, err
	}
	if s.generator.Progress != nil {
		s.generator.Progress.CandidateCount(s.level, len(candidates))
	}
	if len(candidates) == 0 {
		s.generator.markInfeasible(s.SBOM())
		return false, s.unresolvedError()
	}

	yielded := false
	for _, candidate := range candidates {
		child := s.child(s.command, s.args, []string{candidate})

		if s.generator.isInfeasible(child.SBOM()) {
			s.log.WithField("package", candidate).Debug("skipping already-known-infeasible substep")
			continue
		}
		if s.generator.isSupersetOfFeasible(child.SBOM()) {
			s.log.WithField("package", candidate).Debug("skipping substep that is a superset of a known-feasible SBOM")
			continue
		}

		_, err := child.findFeasibleSBOMs(ctx, func(res Result) bool {
			ok := yield(Result{SBOM: New(candidate).Concat(res.SBOM), Step: res.Step})
			if ok {
				yielded = true
			}
			return ok
		})
		if err != nil {
			var preErr *PreinstallError
			if ok := asPreinstallError(err, &preErr); ok {
				if preErr.DiskExhausted() {
					return false, &PreinstallError{
						Message: "you do not have enough free space in your container engine; please free some space and try again",
						Output:  preErr.Output,
					}
				}
				s.log.WithField("package", candidate).WithField("output", string(preErr.Output)).Warn("unable to preinstall package")
				continue
			}
			if _, ok := err.(GenerationError); ok {
				// A child's own search was exhausted (NonZeroExit,
				// PackageResolutionError, IrrelevantPackageInstall); try the
				// next candidate.
				continue
			}
			return false, err
		}
	}

	if !yielded {
		if s.level == 0 {
			best := s.bestSBOM()
			return false, &PackageResolutionError{
				Message: fmt.Sprintf(
					"could not find a feasible SBOM that satisfies all of the missing packages for `%s`. "+
						"The most promising partial SBOM exited with code %d having looked for missing files %v, "+
						"none of which are satisfied by %s packages",
					s.FullCommand(), best.retval, best.MissingFilesWithoutDuplicates(), s.generator.PM.Name()),
				CommandOutput: best.commandOutput,
				PartialSBOM:   best.SBOM(),
			}
		}
		s.generator.markInfeasible(s.SBOM())
		return false, s.unresolvedError()
	}
	return true, nil
}

func asPreinstallError(err error, target **PreinstallError) bool {
	if pe, ok := err.(*PreinstallError); ok {
		*target = pe
		return true
	}
	return false
}

func (s *Step) unresolvedError() *PackageResolutionError {
	return &PackageResolutionError{
		Message: fmt.Sprintf(
			"`%s` exited with code %d having looked for missing files %v, none of which are satisfied by %s packages",
			s.FullCommand(), s.retval, s.MissingFilesWithoutDuplicates(), s.generator.PM.Name()),
		CommandOutput: s.commandOutput,
		PartialSBOM:   s.bestSBOM().SBOM(),
	}
}

// runAndCollect runs the traced command, parses its log for accessed paths,
// and filters those down to the ones that are actually missing.
func (s *Step) runAndCollect(ctx context.Context) error {
	exe, err := s.generator.Containers.Strace(ctx, s.image, s.command, s.args)
	if err != nil {
		return fmt.Errorf("running `%s` under strace: %w", s.FullCommand(), err)
	}
	defer exe.Close(ctx)

	exitCode, err := exe.ExitCode(ctx)
	if err != nil {
		return err
	}
	output, err := exe.Output(ctx)
	if err != nil {
		return err
	}
	s.retval = exitCode
	s.setCommandOutput(output)

	log, err := exe.ReadLog(ctx)
	if err != nil {
		return fmt.Errorf("reading strace log: %w", err)
	}

	accessed := make(map[string]struct{})
	scanner := bufio.NewScanner(bytes.NewReader(log))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		for p := range straceparser.LazyPathExtractor(line) {
			accessed[p] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scanning strace log: %w", err)
	}

	toCheck := make([]string, 0, len(accessed))
	already := make(map[string]struct{}, len(s.missingFiles))
	for _, f := range s.missingFiles {
		already[f] = struct{}{}
	}
	for p := range accessed {
		if _, ok := already[p]; !ok {
			toCheck = append(toCheck, p)
		}
	}

	existence, err := s.generator.Containers.FilesExist(ctx, s.image, toCheck)
	if err != nil {
		return fmt.Errorf("checking file existence: %w", err)
	}
	for _, p := range toCheck {
		if existence[p] {
			continue
		}
		resolved := path.Clean(p)
		if strings.Contains(p, "..") && resolved != p {
			p = resolved
		}
		s.missingFiles = append(s.missingFiles, p)
	}
	return nil
}

type candidateInfo struct {
	name       string
	frequency  int
	firstIndex int
}

// rankCandidates builds the candidate → (frequency, first_index) table by
// mapping missingFiles through the cache, excludes already-tried packages,
// and sorts by (frequency desc, first_index desc, name asc).
func (s *Step) rankCandidates() ([]string, error) {
	info := make(map[string]*candidateInfo)
	for i, file := range s.missingFiles {
		packages, err := s.generator.Cache.Lookup(file)
		if err != nil {
			return nil, fmt.Errorf("looking up packages for %s: %w", file, err)
		}
		for _, pkg := range packages {
			if s.isAlreadyTried(pkg) {
				continue
			}
			if existing, ok := info[pkg]; ok {
				existing.frequency++
			} else {
				info[pkg] = &candidateInfo{name: pkg, frequency: 1, firstIndex: i}
			}
		}
	}

	candidates := make([]*candidateInfo, 0, len(info))
	for _, c := range info {
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.frequency != b.frequency {
			return a.frequency > b.frequency
		}
		if a.firstIndex != b.firstIndex {
			return a.firstIndex > b.firstIndex
		}
		return a.name < b.name
	})

	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.name
	}
	return names, nil
}

func (s *Step) isAlreadyTried(pkg string) bool {
	if _, ok := s.triedPackages[pkg]; ok {
		return true
	}
	for _, p := range s.preinstall {
		if p == pkg {
			return true
		}
	}
	return false
}
