package checkengine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// dumpPrintChecks writes one "<gn>.<setname>.checks.txt" file per set,
// each line "<definition> <value> <hash>" sorted by definition - a
// human-inspectable mirror of what prepareForUse resolved, useful
// for debugging why a macro did or didn't get defined.
func (ch *Checker) dumpPrintChecks() error {
	dir := filepath.Dir(ch.ChecksPath)
	gn := strings.TrimSuffix(filepath.Base(ch.ChecksPath), ".checks.txt")

	for _, cs := range ch.sets {
		type row struct {
			def   string
			value int
			hash  uint64
		}
		var rows []row
		seen := map[string]bool{}
		for _, h := range cs.members {
			c := cs.byHash[h]
			if c == nil || c.Value == nil {
				continue
			}
			for _, def := range c.Definitions {
				if seen[def] {
					continue
				}
				seen[def] = true
				rows = append(rows, row{def, *c.Value, h})
			}
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].def < rows[j].def })

		var b strings.Builder
		for _, r := range rows {
			fmt.Fprintf(&b, "%s %d %d\n", r.def, r.value, r.hash)
		}
		path := filepath.Join(dir, fmt.Sprintf("%s.%s.checks.txt", gn, cs.Name))
		if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
			return fmt.Errorf("checkengine: writing %s: %w", path, err)
		}
	}
	return nil
}
