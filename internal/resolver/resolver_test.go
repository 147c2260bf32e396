package resolver

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/future-io/sw/internal/depdata"
	"github.com/future-io/sw/internal/executor"
	"github.com/future-io/sw/internal/hashstore"
	"github.com/future-io/sw/internal/pkgpath"
	"github.com/future-io/sw/internal/remoteclient"
)

// buildArchive writes a one-entry tar.gz to dir containing content, and
// returns the archive's path and sha256.
func buildArchive(t *testing.T, dir, content string) (string, string) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "root/file.txt",
		Mode: 0644,
		Size: int64(len(content)),
	}))
	_, err := tw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	path := filepath.Join(dir, fmt.Sprintf("archive-%s.tar.gz", content))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path, hashstore.SHA256(buf.Bytes())
}

// fakeSource is a test double implementing metadataSource (the remote
// tier); fakeLocalDB below implements localSource (the local db tier). Together
// they let individual tests control exactly what each tier returns without
// spinning up HTTP or sqlite.
type fakeSource struct {
	mu sync.Mutex

	findDependencies func(req map[pkgpath.PackagePath]string) (*depdata.IdDependencies, error)
	archives         map[int64]string // id -> archive path
	downloadCalls    int32
}

func (f *fakeSource) FindDependencies(ctx context.Context, req map[pkgpath.PackagePath]string, remote remoteclient.Remote) (*depdata.IdDependencies, error) {
	return f.findDependencies(req)
}

func (f *fakeSource) DownloadArchive(ctx context.Context, remote remoteclient.Remote, dd *depdata.DownloadDependency, destDir string) (string, error) {
	atomic.AddInt32(&f.downloadCalls, 1)
	f.mu.Lock()
	src, ok := f.archives[dd.ID]
	f.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no fixture archive for id %d", dd.ID)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(destDir, fmt.Sprintf("dl-%d-%d", dd.ID, atomic.LoadInt32(&f.downloadCalls)))
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}
	return dst, os.WriteFile(dst, data, 0644)
}

func (f *fakeSource) AddDownloads(ctx context.Context, ids []int64, remote remoteclient.Remote) {}
func (f *fakeSource) AddClientCall(ctx context.Context, remote remoteclient.Remote)              {}

func newTestSession(t *testing.T, src *fakeSource, local localSource) *Session {
	t.Helper()
	root := t.TempDir()
	s := &Session{
		Settings:         Settings{LocalStorageRoot: root},
		Remotes:          []remoteclient.Remote{{Name: "origin", URL: "http://example.invalid"}},
		Client:           src,
		LocalDB:          local,
		Executor:         executor.New(4),
		Configs:          NoConfigReader{},
		Verifier:         NoVerifier{},
		resolvedPackages: map[string]bool{},
		packages:         map[string]PackageConfig{},
	}
	if local != nil {
		s.queryLocalDB = 1
	}
	return s
}

func ddRecord(id int64, path pkgpath.PackagePath, version, sha string, deps ...int64) *depdata.DownloadDependency {
	return &depdata.DownloadDependency{
		PackageId:     pkgpath.PackageId{Path: path, Version: pkgpath.ParseVersion(version)},
		SHA256:        sha,
		ID:            id,
		DependencyIDs: deps,
	}
}

// S1: a fully cached resolve performs zero downloads.
func TestResolveCachedDoesNotRedownload(t *testing.T) {
	dir := t.TempDir()
	archivePath, sha := buildArchive(t, dir, "hello")

	src := &fakeSource{archives: map[int64]string{1: archivePath}}
	ids := depdata.NewIdDependencies()
	rec := ddRecord(1, "org.example.a", "1.0.0", sha)
	ids.Set(rec)
	require.NoError(t, depdata.PrepareDependencies(rec, ids))
	src.findDependencies = func(req map[pkgpath.PackagePath]string) (*depdata.IdDependencies, error) {
		return ids, nil
	}

	s := newTestSession(t, src, nil)
	ctx := context.Background()
	deps := map[pkgpath.PackagePath]pkgpath.Version{"org.example.a": pkgpath.ParseVersion("1.0.0")}

	require.NoError(t, s.ResolveDependencies(ctx, deps))
	assert.Equal(t, 1, s.Downloads())

	// Resolve again with a fresh session sharing the same storage root:
	// the stamp + directory already match, so no new download happens.
	s2 := newTestSession(t, src, nil)
	s2.Settings.LocalStorageRoot = s.Settings.LocalStorageRoot
	require.NoError(t, s2.ResolveDependencies(ctx, deps))
	assert.Equal(t, 0, s2.Downloads())
}

// S2: a changed remote hash forces a fresh download even though the
// directory and an (outdated) stamp already exist.
func TestResolveStaleStampRedownloads(t *testing.T) {
	dir := t.TempDir()
	archiveV1, sha1 := buildArchive(t, dir, "v1")
	archiveV2, sha2 := buildArchive(t, dir, "v2")

	src := &fakeSource{archives: map[int64]string{1: archiveV1}}
	mkIds := func(sha string) *depdata.IdDependencies {
		ids := depdata.NewIdDependencies()
		rec := ddRecord(1, "org.example.a", "1.0.0", sha)
		ids.Set(rec)
		require.NoError(t, depdata.PrepareDependencies(rec, ids))
		return ids
	}
	src.findDependencies = func(req map[pkgpath.PackagePath]string) (*depdata.IdDependencies, error) {
		return mkIds(sha1), nil
	}

	s := newTestSession(t, src, nil)
	ctx := context.Background()
	deps := map[pkgpath.PackagePath]pkgpath.Version{"org.example.a": pkgpath.ParseVersion("1.0.0")}
	require.NoError(t, s.ResolveDependencies(ctx, deps))
	assert.Equal(t, 1, s.Downloads())

	src.archives[1] = archiveV2
	src.findDependencies = func(req map[pkgpath.PackagePath]string) (*depdata.IdDependencies, error) {
		return mkIds(sha2), nil
	}
	s2 := newTestSession(t, src, nil)
	s2.Settings.LocalStorageRoot = s.Settings.LocalStorageRoot
	require.NoError(t, s2.ResolveDependencies(ctx, deps))
	assert.Equal(t, 1, s2.Downloads())
}

// S3: a local-db hash that disagrees with the actually-downloaded archive
// triggers one retry against the remote, which succeeds.
func TestResolveLocalDbHashMismatchFallsBackToRemote(t *testing.T) {
	dir := t.TempDir()
	archivePath, realSha := buildArchive(t, dir, "actual-content")

	src := &fakeSource{archives: map[int64]string{1: archivePath}}
	remoteIds := depdata.NewIdDependencies()
	remoteRec := ddRecord(1, "org.example.a", "1.0.0", realSha)
	remoteIds.Set(remoteRec)
	require.NoError(t, depdata.PrepareDependencies(remoteRec, remoteIds))
	src.findDependencies = func(req map[pkgpath.PackagePath]string) (*depdata.IdDependencies, error) {
		return remoteIds, nil
	}

	localIds := depdata.NewIdDependencies()
	localRec := ddRecord(1, "org.example.a", "1.0.0", "stale-hash-does-not-match")
	localIds.Set(localRec)
	require.NoError(t, depdata.PrepareDependencies(localRec, localIds))
	fakeLocal := &fakeLocalDB{ids: localIds}

	s := newTestSession(t, src, fakeLocal)
	ctx := context.Background()
	deps := map[pkgpath.PackagePath]pkgpath.Version{"org.example.a": pkgpath.ParseVersion("1.0.0")}

	err := s.ResolveDependencies(ctx, deps)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Downloads())
	assert.EqualValues(t, 0, atomic.LoadInt32(&s.queryLocalDB), "local db should be disabled after the mismatch")
}

// S6: two packages that share a dependency, resolved in the same batch,
// download the shared dependency exactly once.
func TestResolveParallelSharedDependencyDownloadsOnce(t *testing.T) {
	dir := t.TempDir()
	archiveA, shaA := buildArchive(t, dir, "a-content")
	archiveB, shaB := buildArchive(t, dir, "b-content")
	archiveShared, shaShared := buildArchive(t, dir, "shared-content")

	src := &fakeSource{archives: map[int64]string{
		1: archiveA,
		2: archiveB,
		3: archiveShared,
	}}

	ids := depdata.NewIdDependencies()
	shared := ddRecord(3, "org.example.shared", "1.0.0", shaShared)
	a := ddRecord(1, "org.example.a", "1.0.0", shaA, 3)
	b := ddRecord(2, "org.example.b", "1.0.0", shaB, 3)
	ids.Set(shared)
	ids.Set(a)
	ids.Set(b)
	for _, rec := range []*depdata.DownloadDependency{shared, a, b} {
		require.NoError(t, depdata.PrepareDependencies(rec, ids))
	}
	src.findDependencies = func(req map[pkgpath.PackagePath]string) (*depdata.IdDependencies, error) {
		return ids, nil
	}

	s := newTestSession(t, src, nil)
	ctx := context.Background()
	deps := map[pkgpath.PackagePath]pkgpath.Version{
		"org.example.a": pkgpath.ParseVersion("1.0.0"),
		"org.example.b": pkgpath.ParseVersion("1.0.0"),
	}
	require.NoError(t, s.ResolveDependencies(ctx, deps))
	assert.Equal(t, 3, s.Downloads(), "a, b, and the shared dependency each download exactly once")
}

// fakeVerifier records what it was asked to verify and fails everything
// whose content doesn't match want.
type fakeVerifier struct {
	calls int32
	want  string
}

func (f *fakeVerifier) Verify(r io.Reader, meta depdata.DownloadDependency) error {
	atomic.AddInt32(&f.calls, 1)
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if string(data) != f.want {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}

func TestVerifierRunsOnEveryFreshDownload(t *testing.T) {
	dir := t.TempDir()
	archivePath, sha := buildArchive(t, dir, "hello")
	archiveBytes, err := os.ReadFile(archivePath)
	require.NoError(t, err)

	src := &fakeSource{archives: map[int64]string{1: archivePath}}
	ids := depdata.NewIdDependencies()
	rec := ddRecord(1, "org.example.a", "1.0.0", sha)
	ids.Set(rec)
	require.NoError(t, depdata.PrepareDependencies(rec, ids))
	src.findDependencies = func(req map[pkgpath.PackagePath]string) (*depdata.IdDependencies, error) {
		return ids, nil
	}

	s := newTestSession(t, src, nil)
	verifier := &fakeVerifier{want: string(archiveBytes)}
	s.Verifier = verifier
	ctx := context.Background()
	deps := map[pkgpath.PackagePath]pkgpath.Version{"org.example.a": pkgpath.ParseVersion("1.0.0")}

	require.NoError(t, s.ResolveDependencies(ctx, deps))
	assert.EqualValues(t, 1, atomic.LoadInt32(&verifier.calls))
}

func TestVerifierFailureIsReportedAsIntegrityError(t *testing.T) {
	dir := t.TempDir()
	archivePath, sha := buildArchive(t, dir, "hello")

	src := &fakeSource{archives: map[int64]string{1: archivePath}}
	ids := depdata.NewIdDependencies()
	rec := ddRecord(1, "org.example.a", "1.0.0", sha)
	ids.Set(rec)
	require.NoError(t, depdata.PrepareDependencies(rec, ids))
	src.findDependencies = func(req map[pkgpath.PackagePath]string) (*depdata.IdDependencies, error) {
		return ids, nil
	}

	s := newTestSession(t, src, nil)
	s.Verifier = &fakeVerifier{want: "not-the-archive-content"}
	ctx := context.Background()
	deps := map[pkgpath.PackagePath]pkgpath.Version{"org.example.a": pkgpath.ParseVersion("1.0.0")}

	err := s.ResolveDependencies(ctx, deps)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestOpenPGPVerifierWiredThroughResolve(t *testing.T) {
	entity, pubKey := newTestSigningKey(t)
	dir := t.TempDir()
	archivePath, sha := buildArchive(t, dir, "hello")
	archiveBytes, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	sig := signDetached(t, entity, archiveBytes)

	v, err := NewOpenPGPVerifier(bytes.NewReader(pubKey), func(depdata.DownloadDependency) (io.Reader, error) {
		return bytes.NewReader(sig), nil
	})
	require.NoError(t, err)

	src := &fakeSource{archives: map[int64]string{1: archivePath}}
	ids := depdata.NewIdDependencies()
	rec := ddRecord(1, "org.example.a", "1.0.0", sha)
	ids.Set(rec)
	require.NoError(t, depdata.PrepareDependencies(rec, ids))
	src.findDependencies = func(req map[pkgpath.PackagePath]string) (*depdata.IdDependencies, error) {
		return ids, nil
	}

	s := newTestSession(t, src, nil)
	s.Verifier = v
	ctx := context.Background()
	deps := map[pkgpath.PackagePath]pkgpath.Version{"org.example.a": pkgpath.ParseVersion("1.0.0")}
	require.NoError(t, s.ResolveDependencies(ctx, deps))
}

// fakeConfigReader always reports the same PackageConfig, regardless of
// what's in versionDir - this module's own config parsing is out of scope,
// so tests exercise the unpack_directory move directly against a fixed
// answer rather than a real parser.
type fakeConfigReader struct {
	cfg PackageConfig
}

func (f fakeConfigReader) ReadConfig(string) (PackageConfig, error) { return f.cfg, nil }

// unpack_directory: every sibling of the version directory is moved into
// the freshly created subdirectory. Unpacking strips the archive's single
// top-level directory ("root", from buildArchive's "root/file.txt" entry),
// so file.txt is the sibling that ends up underneath it.
func TestResolveMovesSiblingsIntoUnpackDirectory(t *testing.T) {
	dir := t.TempDir()
	archivePath, sha := buildArchive(t, dir, "hello")

	src := &fakeSource{archives: map[int64]string{1: archivePath}}
	ids := depdata.NewIdDependencies()
	rec := ddRecord(1, "org.example.a", "1.0.0", sha)
	ids.Set(rec)
	require.NoError(t, depdata.PrepareDependencies(rec, ids))
	src.findDependencies = func(req map[pkgpath.PackagePath]string) (*depdata.IdDependencies, error) {
		return ids, nil
	}

	s := newTestSession(t, src, nil)
	s.Configs = fakeConfigReader{cfg: PackageConfig{UnpackDirectory: "pkgroot"}}
	ctx := context.Background()
	deps := map[pkgpath.PackagePath]pkgpath.Version{"org.example.a": pkgpath.ParseVersion("1.0.0")}

	require.NoError(t, s.ResolveDependencies(ctx, deps))

	versionDir := s.targetDir(rec.PackageId)
	moved := filepath.Join(versionDir, "pkgroot", "file.txt")
	data, err := os.ReadFile(moved)
	require.NoError(t, err, "archive contents should have been moved under the unpack directory")
	assert.Equal(t, "hello", string(data))

	_, err = os.Stat(filepath.Join(versionDir, "file.txt"))
	assert.True(t, os.IsNotExist(err), "the original sibling should no longer exist at the version directory root")
}

func TestMoveUnpackDirectoryFailsIfTargetAlreadyExists(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkgroot"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0644))

	err := moveUnpackDirectory(dir, "pkgroot", "")
	require.Error(t, err)
}

func TestMoveUnpackDirectoryLeavesConfigFileBehind(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.cfg"), []byte("cfg"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.txt"), []byte("data"), 0644))

	require.NoError(t, moveUnpackDirectory(dir, "pkgroot", "package.cfg"))

	_, err := os.Stat(filepath.Join(dir, "package.cfg"))
	require.NoError(t, err, "the config file should stay at the version directory root")
	_, err = os.Stat(filepath.Join(dir, "pkgroot", "data.txt"))
	require.NoError(t, err, "every other sibling should have moved into the unpack directory")
}

// fakeLocalDB implements localSource for the local-database tier.
type fakeLocalDB struct {
	ids *depdata.IdDependencies
	err error
}

func (f *fakeLocalDB) FindDependencies(ctx context.Context, req map[pkgpath.PackagePath]string) (*depdata.IdDependencies, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ids, nil
}
