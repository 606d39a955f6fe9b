package packagemanager

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
)

// Entry is one (filename, providing packages) pair yielded by a Manager's
// content index enumeration. Packages is never empty.
type Entry struct {
	Filename string
	Packages []string
}

// Exec abstracts the one thing a package manager adapter needs from the
// Container Manager: run a command inside a setup container and observe its
// exit code and combined output. pkg/container's Container satisfies this.
type Exec interface {
	ExecRun(ctx context.Context, command string) (exitCode int, output []byte, err error)
}

// Manager is the contract a distribution-specific adapter implements. It is
// identified by Name() and Config(); two Managers are equal iff both match.
type Manager interface {
	// Name is the adapter's registered name, e.g. "apt".
	Name() string

	// Config is the (os, os_version, arch) triple this instance targets.
	Config() Config

	// Update refreshes the in-container package index.
	Update(ctx context.Context, c Exec) (exitCode int, output []byte, err error)

	// Install installs packages non-interactively. Called with zero packages
	// it must be a no-op that reports success.
	Install(ctx context.Context, c Exec, packages ...string) (exitCode int, output []byte, err error)

	// IterPackages streams the full content index for Config(): every
	// filename this distribution's packages provide, grouped by filename.
	IterPackages(ctx context.Context) iter.Seq2[Entry, error]

	// Versions enumerates every (os_version, arch) pair this adapter
	// supports, each as a Manager bound to that Config.
	Versions(ctx context.Context) iter.Seq2[Manager, error]

	// Dockerfile returns the recipe for this adapter's base strace image.
	Dockerfile() string
}

// Equal reports whether a and b are the same package manager (by name and
// configuration), mirroring PackageManager.__eq__ in the original
// implementation.
func Equal(a, b Manager) bool {
	return a.Name() == b.Name() && a.Config() == b.Config()
}

// Factory builds a Manager bound to cfg. Registered adapters provide one.
type Factory func(cfg Config) Manager

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register adds a package manager adapter to the process-wide table keyed by
// name. It panics on duplicate registration, exactly as the original
// PackageManager.__init_subclass__ raised TypeError for a reused NAME —
// both fail fast at load time rather than silently shadowing an adapter.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("package manager %q is already registered", name))
	}
	registry[name] = factory
}

// Lookup returns the factory registered under name, or false if none is.
func Lookup(name string) (Factory, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factory, ok := registry[name]
	return factory, ok
}

// Names returns the sorted names of every registered adapter.
func Names() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DatabaseNotFoundError indicates the distribution's content index is not
// available for the requested triple (e.g. the upstream Contents file 404s).
type DatabaseNotFoundError struct {
	Manager string
	Config  Config
	Reason  string
}

func (e *DatabaseNotFoundError) Error() string {
	return fmt.Sprintf(
		"package database for %s:%s-%s (%s) not found: %s",
		e.Config.OS, e.Config.OSVersion, e.Config.Arch, e.Manager, e.Reason,
	)
}
