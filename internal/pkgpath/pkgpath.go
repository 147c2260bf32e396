// Package pkgpath implements the core identifiers used throughout the
// resolver and check engine: PackagePath, Version, PackageId and
// PackageFlags, grounded on the dotted-path package model described by
// _examples/original_source (the sw package manager).
package pkgpath

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// locPrefix marks a PackagePath as a local/workspace identifier that must
// never be fetched from a remote.
const locPrefix = "loc."

// PackagePath is a dotted identifier, e.g. "org.example.libfoo".
type PackagePath string

// String returns the path as plain text.
func (p PackagePath) String() string { return string(p) }

// IsRootOf reports whether p is a proper prefix of other under the dot
// separator, i.e. other == p + "." + <something>.
func (p PackagePath) IsRootOf(other PackagePath) bool {
	if p == other {
		return false
	}
	return strings.HasPrefix(string(other), string(p)+".")
}

// IsLoc reports whether this path identifies a local/workspace package that
// must not be resolved remotely.
func (p PackagePath) IsLoc() bool {
	return strings.HasPrefix(string(p), locPrefix)
}

// Segments splits the path on '.'.
func (p PackagePath) Segments() []string {
	return strings.Split(string(p), ".")
}

// A Version is either a semantic version or a branch name. Branch names
// (anything that doesn't parse as semver) are kept verbatim; Less orders
// them after every semver version and lexically among themselves.
type Version struct {
	raw    string
	semver *semver.Version // nil if raw is a branch name
}

// ParseVersion parses s as a Version, trying semver first and falling back
// to treating it as an opaque branch name.
func ParseVersion(s string) Version {
	if sv, err := semver.NewVersion(s); err == nil {
		return Version{raw: s, semver: sv}
	}
	return Version{raw: s}
}

// String returns the version's original text.
func (v Version) String() string { return v.raw }

// IsBranch reports whether this version is a branch name rather than a
// parsed semantic version.
func (v Version) IsBranch() bool { return v.semver == nil }

// ToAnyVersion yields the query string accepted by the remote for "any
// version satisfying this" - for a parsed semver it's the canonical
// string, for a branch it's the branch name itself (remote APIs treat
// branch names as exact-match queries, never ranges).
func (v Version) ToAnyVersion() string {
	if v.semver != nil {
		return v.semver.String()
	}
	return v.raw
}

// Less orders versions for PackageId's total order: semver versions sort
// by semver precedence; a branch name sorts after all semver versions, and
// two branch names sort lexically.
func (v Version) Less(other Version) bool {
	if v.semver != nil && other.semver != nil {
		return v.semver.LessThan(other.semver)
	}
	if v.semver != nil {
		return true
	}
	if other.semver != nil {
		return false
	}
	return v.raw < other.raw
}

// Equal reports whether two versions are the same.
func (v Version) Equal(other Version) bool {
	if v.semver != nil && other.semver != nil {
		return v.semver.Equal(other.semver)
	}
	return v.raw == other.raw
}

// PackageId uniquely identifies one version of one package. It's hashable
// (usable as a map key) and totally ordered via Less.
type PackageId struct {
	Path    PackagePath
	Version Version
}

// String renders "path@version".
func (id PackageId) String() string {
	return fmt.Sprintf("%s@%s", id.Path, id.Version)
}

// Less gives PackageId a total order: by path, then by version.
func (id PackageId) Less(other PackageId) bool {
	if id.Path != other.Path {
		return id.Path < other.Path
	}
	return id.Version.Less(other.Version)
}

// key is what PackageId hashes as when used as a map key: Version isn't
// comparable directly (it embeds a *semver.Version pointer) so callers that
// need PackageId as a map key should use Key() rather than the struct
// itself whenever two logically-equal Versions might be distinct values.
func (id PackageId) Key() string {
	return string(id.Path) + "@" + id.Version.raw
}

// A Flags is a fixed bit set of package flags. Unknown bits coming back
// from a remote are preserved verbatim (round-tripped through Raw) even
// though this build doesn't recognise them yet.
type Flags uint32

// Recognised flags.
const (
	LocalProject Flags = 1 << iota
	DirectDependency
	IncludeDirectoriesOnly
)

// Has reports whether f has every bit in want set.
func (f Flags) Has(want Flags) bool { return f&want == want }

// Raw returns the flags as a plain integer, including any unrecognised
// bits, for JSON round-tripping.
func (f Flags) Raw() uint32 { return uint32(f) }

// FlagsFromRaw preserves unknown bits verbatim.
func FlagsFromRaw(raw uint32) Flags { return Flags(raw) }
