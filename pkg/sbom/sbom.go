// Package sbom implements Deptective's Search Engine: the recursive,
// container-snapshotting depth-first search that discovers minimal package
// sets (SBOMs) which make a target command exit zero.
package sbom

import (
	"sort"
	"strings"
)

// SBOM is an ordered sequence of package names with set semantics for
// equality, hashing, and containment: two SBOMs with the same packages in
// different orders or with different duplicate counts are equal, mirroring
// the original implementation's SBOM.dependency_set.
type SBOM struct {
	packages []string
}

// New builds an SBOM from packages, preserving discovery order.
func New(packages ...string) SBOM {
	return SBOM{packages: append([]string(nil), packages...)}
}

// Packages returns the SBOM's packages in discovery order.
func (s SBOM) Packages() []string {
	return append([]string(nil), s.packages...)
}

// Len reports the number of (possibly duplicate) package entries.
func (s SBOM) Len() int { return len(s.packages) }

// Empty reports whether the SBOM contains no packages.
func (s SBOM) Empty() bool { return len(s.packages) == 0 }

// Concat returns a new SBOM with other's packages appended after s's,
// mirroring SBOM.__add__.
func (s SBOM) Concat(other SBOM) SBOM {
	combined := make([]string, 0, len(s.packages)+len(other.packages))
	combined = append(combined, s.packages...)
	combined = append(combined, other.packages...)
	return SBOM{packages: combined}
}

// Add returns a new SBOM with pkg appended.
func (s SBOM) Add(pkg string) SBOM {
	return s.Concat(New(pkg))
}

func (s SBOM) set() map[string]struct{} {
	m := make(map[string]struct{}, len(s.packages))
	for _, p := range s.packages {
		m[p] = struct{}{}
	}
	return m
}

// IsSupersetOf reports whether s's package set contains every package in
// other's, mirroring SBOM.issuperset.
func (s SBOM) IsSupersetOf(other SBOM) bool {
	set := s.set()
	for _, p := range other.packages {
		if _, ok := set[p]; !ok {
			return false
		}
	}
	return true
}

// Key returns a canonical, set-deduplicated, order-independent string
// suitable for use as a map key, standing in for __hash__/__eq__ on the
// underlying frozenset in the original implementation.
func (s SBOM) Key() string {
	set := s.set()
	unique := make([]string, 0, len(set))
	for p := range set {
		unique = append(unique, p)
	}
	sort.Strings(unique)
	return strings.Join(unique, "\x00")
}

// Equal reports whether s and other have the same package set.
func (s SBOM) Equal(other SBOM) bool {
	return s.Key() == other.Key()
}

func (s SBOM) String() string {
	return strings.Join(s.packages, ", ")
}
