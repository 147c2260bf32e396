// Package depdata holds the shapes a remote or the local package database
// hand back during dependency resolution: DownloadDependency and
// IdDependencies, as described in spec §3.
package depdata

import (
	"fmt"

	"github.com/future-io/sw/internal/cmap"
	"github.com/future-io/sw/internal/pkgpath"
)

// A DownloadDependency is a PackageId plus everything the resolver needs to
// fetch and verify its archive and walk its dependency edges.
type DownloadDependency struct {
	pkgpath.PackageId

	// SHA256 is the hex digest of the archive; empty means "force download".
	SHA256 string
	// Flags carries both recognised and unrecognised bits from the remote.
	Flags pkgpath.Flags
	// ID is the remote-assigned numeric id, stable within one response.
	ID int64
	// DependencyIDs are the remote ids this package depends on.
	DependencyIDs []int64
	// RemoteIndex is an index into the session's remote list - never a
	// pointer, so DownloadDependency has no lifetime entanglement with the
	// Remote that produced it.
	RemoteIndex int

	// Dependencies is populated by PrepareDependencies once every id in
	// DependencyIDs has been resolved to a record.
	Dependencies map[pkgpath.PackagePath]*DownloadDependency
}

// PrepareDependencies resolves dd's DependencyIDs against the flat
// all-packages map, populating Dependencies. Returns an error if any id
// isn't present in all - the invariant from spec §3 that every
// dependency id must resolve to a record.
func PrepareDependencies(dd *DownloadDependency, all *IdDependencies) error {
	dd.Dependencies = make(map[pkgpath.PackagePath]*DownloadDependency, len(dd.DependencyIDs))
	for _, id := range dd.DependencyIDs {
		dep, ok := all.Get(id)
		if !ok {
			return fmt.Errorf("depdata: dependency id %d of %s has no record in this response", id, dd.PackageId)
		}
		dd.Dependencies[dep.Path] = dep
	}
	return nil
}

func hashInt64(id int64) uint32 {
	// A direct truncation is a fine hash here: remote-assigned ids are
	// small, dense integers within one response, so truncation spreads
	// them evenly across shards without needing a mixing step.
	return uint32(id)
}

// IdDependencies is the flat map from a remote-assigned id to its
// DownloadDependency record, unique per key, shared across worker
// goroutines while the resolver materialises dependency edges.
type IdDependencies struct {
	m *cmap.Map[int64, *DownloadDependency]
}

// NewIdDependencies creates an empty IdDependencies map.
func NewIdDependencies() *IdDependencies {
	return &IdDependencies{m: cmap.New[int64, *DownloadDependency](cmap.DefaultShardCount, hashInt64)}
}

// Set records dd under its own ID.
func (d *IdDependencies) Set(dd *DownloadDependency) {
	d.m.Store(dd.ID, dd)
}

// Get looks up a record by remote id.
func (d *IdDependencies) Get(id int64) (*DownloadDependency, bool) {
	return d.m.Get(id)
}

// Values returns every record currently in the map.
func (d *IdDependencies) Values() []*DownloadDependency {
	return d.m.Values()
}

// Len returns the number of records.
func (d *IdDependencies) Len() int {
	return d.m.Len()
}

// Merge copies every record from other into d.
func (d *IdDependencies) Merge(other *IdDependencies) {
	for _, v := range other.Values() {
		d.Set(v)
	}
}
