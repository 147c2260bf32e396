package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/future-io/sw/internal/depdata"
	"github.com/future-io/sw/internal/filelock"
	"github.com/future-io/sw/internal/hashstore"
	"github.com/future-io/sw/internal/localdb"
)

// downloadAndUnpackOne implements the per-package algorithm from spec §4.7:
//
//  1. If the package's stamp file already records dd's expected hash and its
//     directory exists, this is a cache hit - nothing to do (S1).
//  2. Otherwise take an exclusive lock on the stamp file. If another
//     goroutine (in this process or another) already holds it, block until
//     it's released and then trust that it did the work (S6: two resolves
//     sharing a dependency only download it once).
//  3. Download the archive to a temp file, hash it, and compare against
//     dd's expected hash. A mismatch when the metadata came from the local
//     database is recoverable: it's reported via localdb.ErrLocalDbHash so
//     the caller can retry the whole batch against the remote (S3).
//  4. Replace the target directory, write the stamp, and register the
//     package's config (performing the optional unpack_directory move).
func (s *Session) downloadAndUnpackOne(ctx context.Context, dd *depdata.DownloadDependency, queryLocalDB bool) error {
	versionDir := s.targetDir(dd.PackageId)
	stampPath := versionDir + ".stamp"

	existing, err := hashstore.ReadStamp(stampPath)
	if err != nil {
		return err
	}
	cacheHit := dirExists(versionDir) && existing != "" && existing == dd.SHA256
	if cacheHit && !s.Settings.VerifyAll {
		log.Debug("%s already resolved, skipping download", dd.PackageId)
		return nil
	}

	lock, acquired, err := filelock.TryLock(stampPath)
	if err != nil {
		return err
	}
	if !acquired {
		log.Debug("%s is being downloaded elsewhere, waiting", dd.PackageId)
		waited, err := filelock.Lock(stampPath)
		if err != nil {
			return err
		}
		defer waited.Unlock()
		return s.registerConfig(dd, versionDir)
	}
	defer lock.Unlock()

	// Re-check now that we hold the lock: another holder may have just
	// finished while we were contending for it.
	existing, err = hashstore.ReadStamp(stampPath)
	if err != nil {
		return err
	}
	if dirExists(versionDir) && existing == dd.SHA256 && !s.Settings.VerifyAll {
		return s.registerConfig(dd, versionDir)
	}

	tmpArchive, err := s.Client.DownloadArchive(ctx, s.Remotes[dd.RemoteIndex], dd, s.tmpDir())
	if err != nil {
		return fmt.Errorf("%w: %s: %s", ErrDependencyNotResolved, dd.PackageId, err)
	}
	defer os.Remove(tmpArchive)

	observed, err := hashstore.SHA256File(tmpArchive)
	if err != nil {
		return err
	}
	if dd.SHA256 != "" && observed != dd.SHA256 {
		if queryLocalDB {
			return fmt.Errorf("%s: %w", dd.PackageId, localdb.ErrLocalDbHash)
		}
		return fmt.Errorf("%w: %s: expected %s, got %s", ErrIntegrity, dd.PackageId, dd.SHA256, observed)
	}
	if info, statErr := os.Stat(tmpArchive); statErr == nil {
		log.Debug("downloaded %s (%s)", dd.PackageId, humanize.Bytes(uint64(info.Size())))
	}
	if err := s.verifyArchive(tmpArchive, dd); err != nil {
		return err
	}

	if dirExists(versionDir) {
		if err := os.RemoveAll(versionDir); err != nil {
			return err
		}
	}
	if err := unpackArchive(tmpArchive, versionDir); err != nil {
		os.RemoveAll(versionDir)
		return fmt.Errorf("%w: %s: %s", ErrUnpack, dd.PackageId, err)
	}
	if err := hashstore.WriteStamp(stampPath, observed); err != nil {
		return err
	}

	s.recordDownload(dd)
	return s.registerConfig(dd, versionDir)
}

// verifyArchive runs the configured Verifier against the freshly-downloaded
// archive, in addition to the content-hash check already performed.
func (s *Session) verifyArchive(archivePath string, dd *depdata.DownloadDependency) error {
	if s.Verifier == nil {
		return nil
	}
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := s.Verifier.Verify(f, *dd); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrIntegrity, dd.PackageId, err)
	}
	return nil
}

// registerConfig reads dd's config now that versionDir is populated,
// performs the optional unpack_directory move, and caches the parsed
// config for readConfigs to find later.
func (s *Session) registerConfig(dd *depdata.DownloadDependency, versionDir string) error {
	cfg, err := s.Configs.ReadConfig(versionDir)
	if err != nil {
		return fmt.Errorf("%w: %s: %s", ErrConfig, dd.PackageId, err)
	}
	if cfg.UnpackDirectory != "" {
		if err := moveUnpackDirectory(versionDir, cfg.UnpackDirectory, cfg.ConfigFileName); err != nil {
			return fmt.Errorf("%w: %s: %s", ErrUnpack, dd.PackageId, err)
		}
	}
	s.mu.Lock()
	s.packages[dd.Key()] = cfg
	s.mu.Unlock()
	return nil
}

// moveUnpackDirectory creates versionDir/subdir and moves every sibling of
// versionDir into it, except configFileName (the config file that was just
// read, which stays at the version directory's root) and subdir itself,
// per spec §4.7 step 10 / resolver.cpp's "move all files under unpack dir".
// It fails if subdir already exists, since that means some archive member
// already collides with the name the config asked for.
func moveUnpackDirectory(versionDir, subdir, configFileName string) error {
	dst := filepath.Join(versionDir, subdir)
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("unpack_directory %q already exists under %s", subdir, versionDir)
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(versionDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if name == subdir || name == configFileName {
			continue
		}
		if err := os.Rename(filepath.Join(versionDir, name), filepath.Join(dst, name)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) recordDownload(dd *depdata.DownloadDependency) {
	rec := downloadRecord{remote: dd.RemoteIndex, id: dd.ID}
	s.mu.Lock()
	s.downloadedAll = append(s.downloadedAll, rec)
	s.downloadedThisRun = append(s.downloadedThisRun, rec)
	s.mu.Unlock()
}
