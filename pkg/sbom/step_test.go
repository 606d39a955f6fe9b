package sbom

import (
	"context"
	"iter"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trailofbits/deptective/pkg/contentcache"
	"github.com/trailofbits/deptective/pkg/packagemanager"
)

// fakeManager is a minimal packagemanager.Manager backing a real on-disk
// content cache, so rankCandidates can be exercised without a container.
type fakeManager struct {
	cfg     packagemanager.Config
	entries []packagemanager.Entry
}

func (f *fakeManager) Name() string                 { return "fake" }
func (f *fakeManager) Config() packagemanager.Config { return f.cfg }
func (f *fakeManager) Update(context.Context, packagemanager.Exec) (int, []byte, error) {
	return 0, nil, nil
}
func (f *fakeManager) Install(context.Context, packagemanager.Exec, ...string) (int, []byte, error) {
	return 0, nil, nil
}
func (f *fakeManager) Dockerfile() string { return "FROM scratch" }

func (f *fakeManager) IterPackages(ctx context.Context) iter.Seq2[packagemanager.Entry, error] {
	return func(yield func(packagemanager.Entry, error) bool) {
		for _, e := range f.entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (f *fakeManager) Versions(ctx context.Context) iter.Seq2[packagemanager.Manager, error] {
	return func(yield func(packagemanager.Manager, error) bool) { yield(f, nil) }
}

func newTestGeneratorWithCache(t *testing.T) *Generator {
	t.Helper()
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	mgr := &fakeManager{
		cfg: packagemanager.Config{OS: "testos", OSVersion: "1", Arch: "amd64"},
		entries: []packagemanager.Entry{
			{Filename: "usr/bin/missing-a", Packages: []string{"pkg-common", "pkg-a"}},
			{Filename: "usr/bin/missing-b", Packages: []string{"pkg-common", "pkg-b"}},
		},
	}
	cache, err := contentcache.Open(context.Background(), mgr)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	return &Generator{
		Cache:      cache,
		PM:         mgr,
		infeasible: make(map[string]struct{}),
		feasible:   make(map[string]struct{}),
		log:        logrus.NewEntry(logrus.New()),
	}
}

func TestStep_ChildInheritsTriedPackagesAndPreinstall(t *testing.T) {
	g := newTestGeneratorWithCache(t)
	root := g.newRootStep("foo", nil)
	root.triedPackages["already-tried"] = struct{}{}

	child := root.child("foo", nil, []string{"candidate-1"})
	assert.True(t, child.isAlreadyTried("already-tried"))
	assert.True(t, child.isAlreadyTried("candidate-1"))
	assert.False(t, child.isAlreadyTried("candidate-2"))
}

func TestStep_SBOMConcatenatesFromRootToLeaf(t *testing.T) {
	g := newTestGeneratorWithCache(t)
	root := g.newRootStep("foo", nil)
	mid := root.child("foo", nil, []string{"pkg-a"})
	leaf := mid.child("foo", nil, []string{"pkg-b"})

	assert.True(t, leaf.SBOM().Equal(New("pkg-a", "pkg-b")))
}

func TestStep_BestSBOMTracksDeepestStep(t *testing.T) {
	g := newTestGeneratorWithCache(t)
	root := g.newRootStep("foo", nil)
	assert.Equal(t, root, root.bestSBOM())

	level1 := root.child("foo", nil, []string{"pkg-a"})
	assert.Equal(t, level1, root.bestSBOM())

	level2 := level1.child("foo", nil, []string{"pkg-b"})
	assert.Equal(t, level2, root.bestSBOM())

	// A sibling at the same depth as the current best does not replace it.
	sibling := level1.child("foo", nil, []string{"pkg-c"})
	_ = sibling
	assert.Equal(t, level2, root.bestSBOM())
}

func TestStep_SetCommandOutputTieBreaksOnLongerOutputAtSameDepth(t *testing.T) {
	g := newTestGeneratorWithCache(t)
	root := g.newRootStep("foo", nil)

	siblingA := root.child("foo", nil, []string{"pkg-a"})
	siblingB := root.child("foo", nil, []string{"pkg-b"})
	require.Equal(t, siblingA.level, siblingB.level)
	require.Equal(t, siblingA, root.bestSBOM(), "first sibling constructed becomes best by depth")

	siblingA.setCommandOutput([]byte("short"))
	assert.Equal(t, siblingA, root.bestSBOM())

	siblingB.setCommandOutput([]byte("much longer output"))
	assert.Equal(t, siblingB, root.bestSBOM(), "a longer output at the same depth as the current best replaces it")
}

func TestStep_MissingFilesWithoutDuplicates(t *testing.T) {
	g := newTestGeneratorWithCache(t)
	root := g.newRootStep("foo", nil)
	root.missingFiles = []string{"/a", "/b", "/a", "/c", "/b"}
	assert.Equal(t, []string{"/a", "/b", "/c"}, root.MissingFilesWithoutDuplicates())
}

func TestStep_FullCommand(t *testing.T) {
	g := newTestGeneratorWithCache(t)
	withArgs := g.newRootStep("echo", []string{"hello", "world"})
	assert.Equal(t, "echo hello world", withArgs.FullCommand())

	noArgs := g.newRootStep("true", nil)
	assert.Equal(t, "true", noArgs.FullCommand())
}

func TestStep_RankCandidatesExcludesAlreadyTried(t *testing.T) {
	g := newTestGeneratorWithCache(t)
	root := g.newRootStep("foo", nil)
	root.missingFiles = []string{"/usr/bin/missing-a", "/usr/bin/missing-b"}
	root.triedPackages["pkg-a"] = struct{}{}

	candidates, err := root.rankCandidates()
	require.NoError(t, err)
	assert.NotContains(t, candidates, "pkg-a")
	assert.Contains(t, candidates, "pkg-common")
	assert.Contains(t, candidates, "pkg-b")
}

func TestStep_RankCandidatesOrdersByFrequencyFirst(t *testing.T) {
	g := newTestGeneratorWithCache(t)
	root := g.newRootStep("foo", nil)
	root.missingFiles = []string{"/usr/bin/missing-a", "/usr/bin/missing-b"}

	candidates, err := root.rankCandidates()
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	// pkg-common appears for both missing files, pkg-a/pkg-b for only one.
	assert.Equal(t, "pkg-common", candidates[0])
}

func TestStep_IsAlreadyTriedChecksPreinstallToo(t *testing.T) {
	g := newTestGeneratorWithCache(t)
	root := g.newRootStep("foo", nil)
	child := root.child("foo", nil, []string{"pkg-x"})
	assert.True(t, child.isAlreadyTried("pkg-x"))
	assert.False(t, child.isAlreadyTried("pkg-y"))
}
