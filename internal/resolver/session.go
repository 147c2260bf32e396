// Package resolver drives the two-tier (local database, then remote)
// dependency resolution protocol described in spec §4.7: given a set of
// requested PackagePath/Version pairs, it resolves their full transitive
// closure, downloads and unpacks every archive that isn't already cached,
// and reports best-effort telemetry back to whichever remote served it.
//
// Grounded on _examples/original_source's resolver.cpp resolve/
// download_and_unpack shape, re-expressed with Go error values instead of
// C++ exceptions, and on the teacher's src/update/update.go for the
// concrete download-verify-extract-swap sequence.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"gopkg.in/op/go-logging.v1"

	"github.com/future-io/sw/internal/depdata"
	"github.com/future-io/sw/internal/executor"
	"github.com/future-io/sw/internal/localdb"
	"github.com/future-io/sw/internal/pkgpath"
	"github.com/future-io/sw/internal/remoteclient"
)

var log = logging.MustGetLogger("resolver")

// PackageConfig is the subset of a package's own config this core cares
// about once it's been unpacked. Parsing the config file's actual format is
// out of scope (spec §1's non-goals); a ConfigReader implementation is the
// seam a caller plugs a real parser into.
type PackageConfig struct {
	// UnpackDirectory, if non-empty, names a new subdirectory to create
	// under the package's version directory; every sibling of the config
	// file is then moved into it, per spec §4.7 step 10.
	UnpackDirectory string
	// ConfigFileName, if set, is left behind at the version directory's
	// root rather than moved into UnpackDirectory - the config a
	// ConfigReader just parsed.
	ConfigFileName string
}

// ConfigReader reads a package's config out of its just-unpacked directory.
type ConfigReader interface {
	ReadConfig(versionDir string) (PackageConfig, error)
}

// NoConfigReader is a ConfigReader that never looks for an unpack_directory,
// appropriate when the caller's archives are already laid out correctly.
type NoConfigReader struct{}

// ReadConfig always returns a zero PackageConfig.
func (NoConfigReader) ReadConfig(string) (PackageConfig, error) { return PackageConfig{}, nil }

type metadataSource interface {
	FindDependencies(ctx context.Context, req map[pkgpath.PackagePath]string, remote remoteclient.Remote) (*depdata.IdDependencies, error)
	DownloadArchive(ctx context.Context, remote remoteclient.Remote, dd *depdata.DownloadDependency, destDir string) (string, error)
	AddDownloads(ctx context.Context, ids []int64, remote remoteclient.Remote)
	AddClientCall(ctx context.Context, remote remoteclient.Remote)
}

type localSource interface {
	FindDependencies(ctx context.Context, req map[pkgpath.PackagePath]string) (*depdata.IdDependencies, error)
}

// Settings configures a Session's behaviour.
type Settings struct {
	// LocalStorageRoot is where resolved packages are unpacked:
	// <root>/pkg/<path>/<version>/.
	LocalStorageRoot string
	// ForceServerQuery skips the local database entirely, even if one is
	// configured.
	ForceServerQuery bool
	// VerifyAll disables the cache-hit shortcut: every package is downloaded
	// again, hash-checked and passed through the Verifier even when its
	// stamp and directory already match.
	VerifyAll bool
}

// Session holds everything one dependency-resolution run needs: the
// configured remotes, an optional local database, the worker pool used for
// both downloads and telemetry, and the small amount of state the resolver
// must remember between calls (which packages are already resolved, which
// configs have been read, whether the local db has been disabled after a
// hash mismatch).
type Session struct {
	Settings Settings
	Remotes  []remoteclient.Remote
	Client   metadataSource
	LocalDB  localSource
	Executor *executor.Executor
	Configs  ConfigReader
	Verifier Verifier

	mu                sync.Mutex
	resolvedPackages  map[string]bool
	packages          map[string]PackageConfig
	downloadedAll     []downloadRecord
	downloadedThisRun []downloadRecord
	queryLocalDB      int32 // atomic bool, 1 = true
}

// NewSession builds a Session. localDB may be nil to disable the local
// database tier entirely; configs may be nil to use NoConfigReader.
func NewSession(settings Settings, remotes []remoteclient.Remote, client *remoteclient.Client, localDB *localdb.DB, ex *executor.Executor, configs ConfigReader) *Session {
	if configs == nil {
		configs = NoConfigReader{}
	}
	s := &Session{
		Settings:         settings,
		Remotes:          remotes,
		Client:           client,
		Executor:         ex,
		Configs:          configs,
		Verifier:         NoVerifier{},
		resolvedPackages: map[string]bool{},
		packages:         map[string]PackageConfig{},
	}
	if localDB != nil && !settings.ForceServerQuery {
		s.LocalDB = localDB
		atomic.StoreInt32(&s.queryLocalDB, 1)
	}
	return s
}

// Downloads returns the number of archives actually fetched over the
// network across this Session's lifetime (spec's testable property: a
// fully-cached resolve does zero downloads).
func (s *Session) Downloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.downloadedAll)
}

func (s *Session) isResolved(id pkgpath.PackageId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolvedPackages[id.Key()]
}

func (s *Session) markResolved(id pkgpath.PackageId) {
	s.mu.Lock()
	s.resolvedPackages[id.Key()] = true
	s.mu.Unlock()
}

func (s *Session) targetDir(id pkgpath.PackageId) string {
	return filepath.Join(s.Settings.LocalStorageRoot, "pkg", string(id.Path), id.Version.String())
}

func (s *Session) tmpDir() string {
	return filepath.Join(s.Settings.LocalStorageRoot, "tmp")
}

// ResolveDependencies resolves deps (a package path -> version query map)
// and every transitive dependency they pull in, downloading and unpacking
// whatever isn't already cached locally. It's safe to call repeatedly
// within the lifetime of a Session; packages already resolved in an earlier
// call are skipped.
func (s *Session) ResolveDependencies(ctx context.Context, deps map[pkgpath.PackagePath]pkgpath.Version) error {
	filtered := map[pkgpath.PackagePath]string{}
	for path, version := range deps {
		if path.IsLoc() {
			continue
		}
		id := pkgpath.PackageId{Path: path, Version: version}
		if s.isResolved(id) {
			continue
		}
		filtered[path] = version.ToAnyVersion()
	}
	if len(filtered) == 0 {
		return nil
	}

	ids, err := s.resolve(ctx, filtered)
	if err != nil {
		return err
	}
	for _, dd := range ids.Values() {
		s.markResolved(dd.PackageId)
	}
	if err := s.readConfigs(ids); err != nil {
		return err
	}
	s.postDownload(ctx)
	return nil
}

// resolve implements the local-then-remote lookup and the one-time
// retry-from-remote when a download discovers a stale local-db hash.
func (s *Session) resolve(ctx context.Context, deps map[pkgpath.PackagePath]string) (*depdata.IdDependencies, error) {
	queryLocal := s.LocalDB != nil && atomic.LoadInt32(&s.queryLocalDB) == 1

	var ids *depdata.IdDependencies
	var err error
	if queryLocal {
		ids, err = s.LocalDB.FindDependencies(ctx, deps)
		if err != nil {
			log.Warning("local database lookup failed, falling back to remote: %s", err)
			atomic.StoreInt32(&s.queryLocalDB, 0)
			queryLocal = false
			ids = nil
		}
	}

	if ids == nil {
		ids, err = s.resolveRemote(ctx, deps)
		if err != nil {
			return nil, err
		}
	}

	downloadErr := s.downloadAndUnpackAll(ctx, ids, queryLocal)
	if errors.Is(downloadErr, localdb.ErrLocalDbHash) {
		log.Warning("local database hash stale for a package in this batch, retrying entirely against remote")
		atomic.StoreInt32(&s.queryLocalDB, 0)
		ids, err = s.resolveRemote(ctx, deps)
		if err != nil {
			return nil, err
		}
		if err := s.downloadAndUnpackAll(ctx, ids, false); err != nil {
			return nil, err
		}
		return ids, nil
	}
	if downloadErr != nil {
		return nil, downloadErr
	}
	return ids, nil
}

func (s *Session) resolveRemote(ctx context.Context, deps map[pkgpath.PackagePath]string) (*depdata.IdDependencies, error) {
	var lastErr error
	for i, remote := range s.Remotes {
		ids, err := s.Client.FindDependencies(ctx, deps, remote)
		if err != nil {
			lastErr = err
			log.Warning("remote %s could not resolve this batch: %s", remote.Name, err)
			continue
		}
		for _, dd := range ids.Values() {
			dd.RemoteIndex = i
		}
		return ids, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no remotes configured")
	}
	return nil, fmt.Errorf("%w: %s", ErrDependencyNotResolved, lastErr)
}

func (s *Session) downloadAndUnpackAll(ctx context.Context, ids *depdata.IdDependencies, queryLocalDB bool) error {
	for _, dd := range ids.Values() {
		dd := dd
		s.Executor.Submit(func(ctx context.Context) error {
			return s.downloadAndUnpackOne(ctx, dd, queryLocalDB)
		})
	}
	return s.Executor.Wait()
}

// readConfigs confirms every resolved package's config was read during its
// download_and_unpack pass - a package that was already fully cached on a
// prior run (and so never exercised downloadAndUnpackOne's registerConfig
// step this process lifetime) still needs one here.
func (s *Session) readConfigs(ids *depdata.IdDependencies) error {
	for _, dd := range ids.Values() {
		s.mu.Lock()
		_, ok := s.packages[dd.Key()]
		s.mu.Unlock()
		if ok {
			continue
		}
		cfg, err := s.Configs.ReadConfig(s.targetDir(dd.PackageId))
		if err != nil {
			return fmt.Errorf("%w: %s: %s", ErrConfig, dd.PackageId, err)
		}
		s.mu.Lock()
		s.packages[dd.Key()] = cfg
		s.mu.Unlock()
	}
	return nil
}

// postDownload fires the best-effort add_downloads/add_client_call reports
// for remotes this run actually used. Failures there never surface to the
// caller: they're reported (and swallowed) inside remoteclient itself.
func (s *Session) postDownload(ctx context.Context) {
	s.mu.Lock()
	downloaded := s.downloadedThisRun
	s.downloadedThisRun = nil
	s.mu.Unlock()
	if len(downloaded) == 0 {
		return
	}

	byRemote := map[int][]int64{}
	for _, rec := range downloaded {
		byRemote[rec.remote] = append(byRemote[rec.remote], rec.id)
	}

	s.Executor.SetThrowOnError(false)
	for i, remote := range s.Remotes {
		ids, ok := byRemote[i]
		if !ok {
			continue
		}
		ids, remote := ids, remote
		s.Executor.Submit(func(ctx context.Context) error {
			s.Client.AddDownloads(ctx, ids, remote)
			s.Client.AddClientCall(ctx, remote)
			return nil
		})
	}
	s.Executor.Wait()
	s.Executor.SetThrowOnError(true)
}

type downloadRecord struct {
	remote int
	id     int64
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
