// Package hashstore provides the content-addressing primitives shared by
// the resolver and the check engine: file/byte hashing, a frozen
// hash-combine mixer used to canonicalise check identities, and atomic
// stamp-file helpers.
package hashstore

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("hashstore")

// SHA256 returns the hex-encoded sha256 digest of data.
func SHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// SHA256File returns the hex-encoded sha256 digest of the file at path.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SHA256Reader hashes an io.Reader as it's read, returning the digest once
// the reader is exhausted. Used when a download is being streamed straight
// to disk and we want the hash without a second pass.
type SHA256Reader struct {
	r io.Reader
	h interface {
		io.Writer
		Sum([]byte) []byte
	}
}

// NewSHA256Reader wraps r so reads are also fed into a sha256 hasher.
func NewSHA256Reader(r io.Reader) *SHA256Reader {
	return &SHA256Reader{r: r, h: sha256.New()}
}

func (s *SHA256Reader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 {
		s.h.Write(p[:n])
	}
	return n, err
}

// Sum returns the hex digest of everything read so far.
func (s *SHA256Reader) Sum() string {
	return hex.EncodeToString(s.h.Sum(nil))
}

// HashCombine mixes value into seed using the same boost::hash_combine-style
// formula the original check-hashing code used (see CheckParameters::getHash
// in the original implementation). This formula is frozen: the persisted
// checks.N.txt file depends on it bit-for-bit, and changing it requires
// bumping the check-file format version (see internal/checksstorage).
func HashCombine(seed uint64, value uint64) uint64 {
	return seed ^ (value + 0x9e3779b97f4a7c15 + (seed << 6) + (seed >> 2))
}

// HashString folds a string into the FNV-1a space before combining, giving
// HashCombine a stable per-value hash regardless of string length.
func HashString(seed uint64, s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return HashCombine(seed, h)
}

// HashBool folds a boolean into seed.
func HashBool(seed uint64, b bool) uint64 {
	if b {
		return HashCombine(seed, 1)
	}
	return HashCombine(seed, 0)
}

// HashStrings folds an ordered slice of strings into seed.
func HashStrings(seed uint64, ss []string) uint64 {
	for _, s := range ss {
		seed = HashString(seed, s)
	}
	return seed
}

// Blake2b512 returns the blake2b-512 digest of data, used to derive the
// per-target-settings config-hash directory name.
func Blake2b512(data []byte) []byte {
	sum := blake2b.Sum512(data)
	return sum[:]
}

// Shorten returns the first n hex characters of a digest.
func Shorten(sum []byte, n int) string {
	s := hex.EncodeToString(sum)
	if n >= len(s) {
		return s
	}
	return s[:n]
}

// ReadStamp reads the sha256 digest recorded in a package's stamp file.
// Returns "" (not an error) if the stamp doesn't exist.
func ReadStamp(path string) (string, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteStamp atomically writes digest to a package's stamp file: write to a
// temp file in the same directory, then rename, so a concurrent reader never
// observes a partially-written stamp.
func WriteStamp(path, digest string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".stamp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(digest); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	log.Debug("wrote stamp %s = %s", path, digest)
	return nil
}
