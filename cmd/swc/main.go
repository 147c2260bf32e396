// Command swc wires a session.Session together and runs
// ResolveDependencies on the packages named on the command line;
// PerformChecks is not exposed here. The command-line surface itself
// (sub-commands, BUILD-file parsing, the rest of a real build driver) is
// out of scope; this is the thin entry point the core wires into, in the
// teacher's own "log.Fatalf only at the boundary" idiom (src/please.go).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/future-io/sw/internal/compiler"
	"github.com/future-io/sw/internal/localdb"
	"github.com/future-io/sw/internal/logx"
	"github.com/future-io/sw/internal/pkgpath"
	"github.com/future-io/sw/internal/remoteclient"
	"github.com/future-io/sw/internal/resolver"
	"github.com/future-io/sw/internal/session"
)

var log = logging.MustGetLogger("swc")

func main() {
	storageRoot := flag.String("storage_root", ".swc-cache", "where resolved packages are unpacked")
	checksDir := flag.String("checks_dir", ".swc-cache/checks", "where check results are cached")
	localDBPath := flag.String("local_db", "", "path to a local packages database; empty disables it")
	remoteURL := flag.String("remote", "", "package index URL to resolve against")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		logx.Init(logx.DEBUG)
	} else {
		logx.Init(logx.WARNING)
	}

	if *remoteURL == "" {
		log.Fatalf("swc: -remote is required")
	}

	var localDB *localdb.DB
	if *localDBPath != "" {
		db, err := localdb.Open(*localDBPath)
		if err != nil {
			log.Fatalf("swc: opening local database: %s", err)
		}
		defer db.Close()
		localDB = db
	}

	sess := session.New(
		session.Settings{LocalStorageRoot: *storageRoot, ChecksDir: *checksDir},
		[]remoteclient.Remote{{Name: "default", URL: *remoteURL}},
		remoteclient.New(),
		localDB,
		resolver.NoConfigReader{},
		compiler.NewDefault("", 30*time.Second),
	)

	deps := map[pkgpath.PackagePath]pkgpath.Version{}
	for _, arg := range flag.Args() {
		path, version, err := parsePackageArg(arg)
		if err != nil {
			log.Fatalf("swc: %s", err)
		}
		deps[path] = version
	}
	if len(deps) == 0 {
		log.Fatalf("swc: no packages given; usage: swc -remote <url> <path@version>...")
	}

	ctx := context.Background()
	if err := sess.ResolveDependencies(ctx, deps); err != nil {
		log.Fatalf("swc: resolve failed: %s", err)
	}
	fmt.Fprintf(os.Stdout, "resolved %d package(s), %d download(s)\n", len(deps), sess.Downloads())
}

// parsePackageArg parses "org.example.pkg@1.2.3" into a PackagePath and a
// Version query (an exact version, or "*" for latest).
func parsePackageArg(arg string) (pkgpath.PackagePath, pkgpath.Version, error) {
	for i := len(arg) - 1; i >= 0; i-- {
		if arg[i] == '@' {
			return pkgpath.PackagePath(arg[:i]), pkgpath.ParseVersion(arg[i+1:]), nil
		}
	}
	return "", pkgpath.Version{}, fmt.Errorf("%q is not <path>@<version>", arg)
}
