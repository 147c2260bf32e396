// Package checksstorage persists the result of every configuration check
// the engine has ever run for one config-hash directory, so a later run
// against the same compiler/flags/target doesn't need to re-probe anything
// it already knows the answer to.
//
// Grounded on the original implementation's ChecksStorage::load/save
// (a plain "<hash> <value>" text file, one per line) and on the teacher's
// general preference for small deterministic text formats, even though no
// single teacher file does this exact shape.
package checksstorage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("checksstorage")

// Storage is the in-memory mirror of one checks.N.txt file: check hash ->
// its probed integer value (0/1 for boolean checks, a size or alignment for
// the numeric ones).
type Storage struct {
	values map[uint64]int
	loaded bool
}

// New creates an empty Storage.
func New() *Storage {
	return &Storage{values: map[uint64]int{}}
}

// Load reads path into s, merging with anything already present. A missing
// file is not an error - matches the original behaviour of silently
// starting empty on the first run. Load is a no-op once it has already
// succeeded once for this Storage, matching the original's "if (loaded)
// return" guard.
func (s *Storage) Load(path string) error {
	if s.loaded {
		return nil
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		s.loaded = true
		return nil
	} else if err != nil {
		return fmt.Errorf("checksstorage: opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return fmt.Errorf("checksstorage: malformed line %q in %s", line, path)
		}
		hash, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return fmt.Errorf("checksstorage: bad hash in %q: %w", line, err)
		}
		value, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("checksstorage: bad value in %q: %w", line, err)
		}
		s.values[hash] = value
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	s.loaded = true
	log.Debug("loaded %d checks from %s", len(s.values), path)
	return nil
}

// Save writes s to path, one "<hash> <value>" line per check, sorted by
// hash for a deterministic diff-friendly file.
func (s *Storage) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	hashes := make([]uint64, 0, len(s.values))
	for h := range s.values {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })

	var b strings.Builder
	for _, h := range hashes {
		fmt.Fprintf(&b, "%d %d\n", h, s.values[h])
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".checks-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Add records hash's probed value, overwriting any prior value.
func (s *Storage) Add(hash uint64, value int) {
	s.values[hash] = value
}

// Get returns the stored value for hash, if any.
func (s *Storage) Get(hash uint64) (int, bool) {
	v, ok := s.values[hash]
	return v, ok
}

// Len returns the number of checks currently held.
func (s *Storage) Len() int {
	return len(s.values)
}
