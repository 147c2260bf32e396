// Package session wires the resolver and the check engine into the one
// object a caller actually talks to: a Session holding the remote list,
// the optional local packages database, the worker pool(s), and the
// checks-storage root, exposing exactly the two operations spec §2 names
// for the core - ResolveDependencies and PerformChecks.
//
// Named internal/session rather than folding into internal/resolver
// (which already has its own, narrower Session type scoped to one resolve
// batch) to keep "the resolve algorithm's state" and "the whole program's
// wiring" as separate concerns, the way the teacher keeps its top-level
// run loop (cmd/please) separate from the package internals it calls into.
package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"

	"github.com/future-io/sw/internal/checkengine"
	"github.com/future-io/sw/internal/compiler"
	"github.com/future-io/sw/internal/executor"
	"github.com/future-io/sw/internal/hashstore"
	"github.com/future-io/sw/internal/localdb"
	"github.com/future-io/sw/internal/pkgpath"
	"github.com/future-io/sw/internal/remoteclient"
	"github.com/future-io/sw/internal/resolver"
)

// Settings configures a Session.
type Settings struct {
	// LocalStorageRoot is where resolved packages are unpacked.
	LocalStorageRoot string
	// ChecksDir is where per-target-config checks.N.txt files and their
	// manual-pending sidecars live, one subdirectory per config hash.
	ChecksDir string
	// ForceServerQuery and VerifyAll are passed straight through to the
	// resolver; see resolver.Settings.
	ForceServerQuery bool
	VerifyAll        bool
	// DownloadWorkers bounds the resolver's Executor; 0 uses
	// executor.DefaultLimit().
	DownloadWorkers int
	// CheckWorkers bounds each check engine's dedicated Executor; 0 uses
	// executor.DefaultLimit(). Set to 1 to force checks_single_thread.
	CheckWorkers int
}

// Session is the program's top-level handle: one resolver.Session for
// dependency resolution, and one checkengine.Checker per distinct build
// config (lazily created, keyed by a hash of the config name/flags),
// each with its own dedicated Executor so a check engine can never
// contend with - or deadlock against - the download pool or another
// config's check engine.
type Session struct {
	Remotes  []remoteclient.Remote
	Compiler compiler.Compiler

	resolver *resolver.Session

	mu           sync.Mutex
	checksDir    string
	checkWorkers int
	checkers     map[string]*checkengine.Checker
}

// New builds a Session. localDB may be nil to disable the local database
// tier; configs may be nil to use resolver.NoConfigReader; comp may be nil
// to use compiler.NewDefault("cc", 30*time.Second).
func New(settings Settings, remotes []remoteclient.Remote, client *remoteclient.Client, localDB *localdb.DB, configs resolver.ConfigReader, comp compiler.Compiler) *Session {
	if comp == nil {
		comp = compiler.NewDefault("", 0)
	}
	downloadEx := executor.New(settings.DownloadWorkers)
	rs := resolver.NewSession(resolver.Settings{
		LocalStorageRoot: settings.LocalStorageRoot,
		ForceServerQuery: settings.ForceServerQuery,
		VerifyAll:        settings.VerifyAll,
	}, remotes, client, localDB, downloadEx, configs)

	return &Session{
		Remotes:      remotes,
		Compiler:     comp,
		resolver:     rs,
		checksDir:    settings.ChecksDir,
		checkWorkers: settings.CheckWorkers,
		checkers:     map[string]*checkengine.Checker{},
	}
}

// ResolveDependencies delegates to the resolver.
func (s *Session) ResolveDependencies(ctx context.Context, deps map[pkgpath.PackagePath]pkgpath.Version) error {
	return s.resolver.ResolveDependencies(ctx, deps)
}

// Downloads returns how many archives the resolver has actually fetched.
func (s *Session) Downloads() int {
	return s.resolver.Downloads()
}

// Checker returns (creating if necessary) the checkengine.Checker for the
// named build config, rooted at ChecksDir/<hash(configName)>/target.checks.txt
// with its own Executor.
func (s *Session) Checker(configName string) *checkengine.Checker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.checkers[configName]; ok {
		return c
	}
	sum := hashstore.Blake2b512([]byte(configName))
	dir := filepath.Join(s.checksDir, hashstore.Shorten(sum, 16))
	c := checkengine.NewChecker(
		filepath.Join(dir, "target.checks.txt"),
		s.Compiler,
		executor.New(s.checkWorkers),
		filepath.Join(dir, "work"),
	)
	s.checkers[configName] = c
	return c
}

// PerformChecks runs every check build has registered against the checker
// for configName. build is called once to populate the checker's sets
// before checks run; on repeat calls for a configName already fully
// resolved, build still runs (registering sets again is harmless: the
// checker dedupes by hash) but no new probes are executed.
func (s *Session) PerformChecks(ctx context.Context, configName string, build func(*checkengine.Checker)) error {
	ch := s.Checker(configName)
	build(ch)
	err := ch.PerformChecks(ctx)
	if errors.Is(err, checkengine.ErrManualChecksPending) {
		return ch.RunManualChecks(ctx)
	}
	return err
}
