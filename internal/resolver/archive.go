package resolver

import (
	"archive/tar"
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ulikunitz/xz"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
)

// unpackArchive extracts the tar.gz or tar.xz archive at archivePath into
// destDir, which must not already exist. The compression is detected from
// the file's magic bytes rather than its name, since a downloaded archive
// has no reliable extension of its own.
func unpackArchive(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	magic, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return err
	}

	var tr *tar.Reader
	switch {
	case hasPrefix(magic, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("not a valid gzip archive: %w", err)
		}
		defer gz.Close()
		tr = tar.NewReader(gz)
	case hasPrefix(magic, xzMagic):
		xr, err := xz.NewReader(br)
		if err != nil {
			return fmt.Errorf("not a valid xz archive: %w", err)
		}
		tr = tar.NewReader(xr)
	default:
		return fmt.Errorf("unrecognised archive format")
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := writeTarEntry(hdr, tr, destDir); err != nil {
			return err
		}
	}
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

// writeTarEntry strips the archive's single top-level directory component
// (every resolved package archive is expected to contain exactly one, named
// after the package) and writes hdr's contents under destDir.
func writeTarEntry(hdr *tar.Header, r io.Reader, destDir string) error {
	name := strings.TrimPrefix(hdr.Name, "./")
	if i := strings.IndexRune(name, '/'); i >= 0 {
		name = name[i+1:]
	} else {
		name = ""
	}
	if name == "" {
		return nil
	}
	dest := filepath.Join(destDir, name)
	if !strings.HasPrefix(dest, filepath.Clean(destDir)+string(filepath.Separator)) {
		return fmt.Errorf("tar entry %q escapes destination", hdr.Name)
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(dest, 0755)
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		return os.Symlink(hdr.Linkname, dest)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}
		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, r)
		return err
	default:
		return nil
	}
}
