package packagemanager

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubManager struct{ cfg Config }

func (s *stubManager) Name() string                                              { return "stub" }
func (s *stubManager) Config() Config                                            { return s.cfg }
func (s *stubManager) Update(context.Context, Exec) (int, []byte, error)         { return 0, nil, nil }
func (s *stubManager) Install(context.Context, Exec, ...string) (int, []byte, error) {
	return 0, nil, nil
}
func (s *stubManager) IterPackages(ctx context.Context) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {}
}
func (s *stubManager) Versions(ctx context.Context) iter.Seq2[Manager, error] {
	return func(yield func(Manager, error) bool) {}
}
func (s *stubManager) Dockerfile() string { return "" }

func TestRegister_PanicsOnDuplicateName(t *testing.T) {
	name := fmt.Sprintf("test-dup-%p", t)
	Register(name, func(cfg Config) Manager { return &stubManager{cfg: cfg} })

	assert.Panics(t, func() {
		Register(name, func(cfg Config) Manager { return &stubManager{cfg: cfg} })
	})
}

func TestLookupAndNames(t *testing.T) {
	name := fmt.Sprintf("test-lookup-%p", t)
	Register(name, func(cfg Config) Manager { return &stubManager{cfg: cfg} })

	factory, ok := Lookup(name)
	require.True(t, ok)
	mgr := factory(Config{OS: "x", OSVersion: "1", Arch: "amd64"})
	assert.Equal(t, "stub", mgr.Name())

	assert.Contains(t, Names(), name)

	_, ok = Lookup("does-not-exist")
	assert.False(t, ok)
}

func TestNames_ReturnsSortedOrder(t *testing.T) {
	names := Names()
	assert.True(t, sort.StringsAreSorted(names), "Names() must return a sorted slice, got %v", names)
}

func TestEqual(t *testing.T) {
	cfg := Config{OS: "ubuntu", OSVersion: "noble", Arch: "amd64"}
	a := &stubManager{cfg: cfg}
	b := &stubManager{cfg: cfg}
	assert.True(t, Equal(a, b))

	c := &stubManager{cfg: Config{OS: "ubuntu", OSVersion: "jammy", Arch: "amd64"}}
	assert.False(t, Equal(a, c))
}

func TestDockerfileSidecarName(t *testing.T) {
	name := DockerfileSidecarName("apt", Config{OS: "ubuntu", OSVersion: "noble", Arch: "amd64"})
	assert.Equal(t, "Dockerfile-apt-ubuntu-noble-amd64", name)
}

func TestDatabaseNotFoundError_Message(t *testing.T) {
	err := &DatabaseNotFoundError{
		Manager: "apt",
		Config:  Config{OS: "ubuntu", OSVersion: "noble", Arch: "amd64"},
		Reason:  "HTTP 404",
	}
	assert.Contains(t, err.Error(), "ubuntu")
	assert.Contains(t, err.Error(), "HTTP 404")
}
