// Package localdb implements the same find-dependencies contract as
// remoteclient, served from a local SQLite database instead of a network
// call, per spec §4.6. It's tried first (unless force_server_query is set)
// because most resolutions hit packages the local cache already knows
// about; the resolver falls back to the remote whenever this returns an
// error, including a stale hash discovered during download.
package localdb

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"gopkg.in/op/go-logging.v1"

	"github.com/future-io/sw/internal/depdata"
	"github.com/future-io/sw/internal/pkgpath"
)

var log = logging.MustGetLogger("localdb")

// ErrLocalDbHash is returned when a download's observed hash disagrees
// with what the local database predicted. The resolver treats this as
// recoverable exactly once: it disables the local database and retries
// resolution against the remote.
var ErrLocalDbHash = errors.New("localdb: archive hash does not match local record")

const schema = `
CREATE TABLE IF NOT EXISTS packages (
	id       INTEGER PRIMARY KEY,
	path     TEXT NOT NULL,
	version  TEXT NOT NULL,
	sha256   TEXT NOT NULL DEFAULT '',
	flags    INTEGER NOT NULL DEFAULT 0,
	UNIQUE(path, version)
);
CREATE TABLE IF NOT EXISTS dependencies (
	package_id    INTEGER NOT NULL,
	dependency_id INTEGER NOT NULL,
	PRIMARY KEY (package_id, dependency_id)
);
`

// DB is a local, offline mirror of package metadata.
type DB struct {
	pool *sqlitex.Pool
}

// Open opens (creating if necessary) the sqlite database at path and
// ensures its schema exists.
func Open(path string) (*DB, error) {
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		Flags: sqlite.OpenReadWrite | sqlite.OpenCreate,
	})
	if err != nil {
		return nil, fmt.Errorf("localdb: opening %s: %w", path, err)
	}
	db := &DB{pool: pool}
	if err := db.exec(context.Background(), schema, nil); err != nil {
		pool.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying connection pool.
func (db *DB) Close() error {
	return db.pool.Close()
}

func (db *DB) exec(ctx context.Context, query string, fn func(stmt *sqlite.Stmt) error) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, query, &sqlitex.ExecOptions{ResultFunc: fn})
}

func (db *DB) execArgs(ctx context.Context, query string, args *sqlitex.ExecOptions) error {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer db.pool.Put(conn)
	return sqlitex.ExecuteTransient(conn, query, args)
}

// InsertPackage upserts one package row and returns its local row id.
func (db *DB) InsertPackage(ctx context.Context, path pkgpath.PackagePath, version string, sha256 string, flags pkgpath.Flags) (int64, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer db.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO packages (path, version, sha256, flags) VALUES (?, ?, ?, ?)
		 ON CONFLICT(path, version) DO UPDATE SET sha256=excluded.sha256, flags=excluded.flags`,
		&sqlitex.ExecOptions{Args: []interface{}{string(path), version, sha256, int64(flags.Raw())}})
	if err != nil {
		return 0, err
	}
	// LastInsertRowID is left unchanged when the upsert takes its UPDATE
	// path, so read the row's id back explicitly.
	var id int64
	err = sqlitex.Execute(conn, `SELECT id FROM packages WHERE path = ? AND version = ?`,
		&sqlitex.ExecOptions{
			Args: []interface{}{string(path), version},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.GetInt64("id")
				return nil
			},
		})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// InsertDependency records that packageID depends on dependencyID.
func (db *DB) InsertDependency(ctx context.Context, packageID, dependencyID int64) error {
	return db.execArgs(ctx, `INSERT OR IGNORE INTO dependencies (package_id, dependency_id) VALUES (?, ?)`,
		&sqlitex.ExecOptions{Args: []interface{}{packageID, dependencyID}})
}

// FindDependencies resolves req against the local database, returning the
// flattened id -> record map for every requested package and its full
// transitive dependency closure. version is matched exactly; the special
// query "*" picks the lexically greatest version on record (a stand-in for
// real semver-range matching, which belongs to the front-end query
// language this core doesn't implement).
func (db *DB) FindDependencies(ctx context.Context, req map[pkgpath.PackagePath]string) (*depdata.IdDependencies, error) {
	ids := depdata.NewIdDependencies()
	seen := map[int64]bool{}
	var queue []int64

	for path, version := range req {
		id, rec, err := db.findOne(ctx, path, version)
		if err != nil {
			return nil, err
		}
		ids.Set(rec)
		seen[id] = true
		queue = append(queue, id)
	}
	if len(seen) < len(req) {
		return nil, fmt.Errorf("localdb: only resolved %d of %d requested packages", len(seen), len(req))
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		depIDs, err := db.dependencyIDs(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec, ok := ids.Get(id); ok {
			rec.DependencyIDs = depIDs
		}
		for _, depID := range depIDs {
			if seen[depID] {
				continue
			}
			seen[depID] = true
			rec, err := db.loadByID(ctx, depID)
			if err != nil {
				return nil, err
			}
			ids.Set(rec)
			queue = append(queue, depID)
		}
	}
	for _, rec := range ids.Values() {
		if err := depdata.PrepareDependencies(rec, ids); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (db *DB) findOne(ctx context.Context, path pkgpath.PackagePath, version string) (int64, *depdata.DownloadDependency, error) {
	if version == "*" || version == "" {
		return db.findLatest(ctx, path)
	}
	var id int64
	var sha256 string
	var flags int64
	found := false
	err := db.execArgs(ctx, `SELECT id, sha256, flags FROM packages WHERE path = ? AND version = ?`,
		&sqlitex.ExecOptions{
			Args: []interface{}{string(path), version},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				id = stmt.GetInt64("id")
				sha256 = stmt.GetText("sha256")
				flags = stmt.GetInt64("flags")
				found = true
				return nil
			},
		})
	if err != nil {
		return 0, nil, err
	}
	if !found {
		return 0, nil, fmt.Errorf("localdb: no record for %s@%s", path, version)
	}
	return id, db.record(id, path, version, sha256, flags), nil
}

func (db *DB) findLatest(ctx context.Context, path pkgpath.PackagePath) (int64, *depdata.DownloadDependency, error) {
	type row struct {
		id      int64
		version string
		sha256  string
		flags   int64
	}
	var rows []row
	err := db.execArgs(ctx, `SELECT id, version, sha256, flags FROM packages WHERE path = ?`,
		&sqlitex.ExecOptions{
			Args: []interface{}{string(path)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, row{
					id:      stmt.GetInt64("id"),
					version: stmt.GetText("version"),
					sha256:  stmt.GetText("sha256"),
					flags:   stmt.GetInt64("flags"),
				})
				return nil
			},
		})
	if err != nil {
		return 0, nil, err
	}
	if len(rows) == 0 {
		return 0, nil, fmt.Errorf("localdb: no record for %s", path)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].version > rows[j].version })
	r := rows[0]
	return r.id, db.record(r.id, path, r.version, r.sha256, r.flags), nil
}

func (db *DB) loadByID(ctx context.Context, id int64) (*depdata.DownloadDependency, error) {
	var path, version, sha256 string
	var flags int64
	found := false
	err := db.execArgs(ctx, `SELECT path, version, sha256, flags FROM packages WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []interface{}{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				path = stmt.GetText("path")
				version = stmt.GetText("version")
				sha256 = stmt.GetText("sha256")
				flags = stmt.GetInt64("flags")
				found = true
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("localdb: dangling dependency id %d", id)
	}
	return db.record(id, pkgpath.PackagePath(path), version, sha256, flags), nil
}

func (db *DB) dependencyIDs(ctx context.Context, id int64) ([]int64, error) {
	var ids []int64
	err := db.execArgs(ctx, `SELECT dependency_id FROM dependencies WHERE package_id = ?`,
		&sqlitex.ExecOptions{
			Args: []interface{}{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				ids = append(ids, stmt.GetInt64("dependency_id"))
				return nil
			},
		})
	return ids, err
}

func (db *DB) record(id int64, path pkgpath.PackagePath, version, sha256 string, flags int64) *depdata.DownloadDependency {
	return &depdata.DownloadDependency{
		PackageId: pkgpath.PackageId{Path: path, Version: pkgpath.ParseVersion(version)},
		SHA256:    sha256,
		Flags:     pkgpath.FlagsFromRaw(uint32(flags)),
		ID:        id,
	}
}
