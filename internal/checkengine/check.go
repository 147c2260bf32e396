// Package checkengine implements the configuration-check engine from spec
// §4.9: probe a compiler for function/include/type/symbol availability
// (and arbitrary source compile/link/run checks), cache the results by a
// content hash of what was probed, and expose them as preprocessor
// definitions a build would consume.
//
// Grounded on _examples/original_source's driver/cpp/checks.cpp for the
// per-kind probe shapes and the merge-by-hash algorithm, and on the
// teacher's src/process subprocess-wrapper idiom (via internal/compiler)
// for actually invoking a toolchain.
package checkengine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/future-io/sw/internal/hashstore"
)

// Kind identifies which probe shape a Check runs.
type Kind int

const (
	KindFunctionExists Kind = iota
	KindIncludeExists
	KindTypeSize
	KindTypeAlignment
	KindSymbolExists
	KindDeclarationExists
	KindStructMemberExists
	KindLibraryFunctionExists
	KindSourceCompiles
	KindSourceLinks
	KindSourceRuns
)

// Parameters is the compile environment a Check probes under: the
// language, the macros already defined, and the includes/libraries/flags
// the probe source should see.
type Parameters struct {
	CPP                bool
	Definitions        []string
	Includes           []string
	IncludeDirectories []string
	Libraries          []string
	Options            []string
}

// hash folds Parameters into seed, mirroring CheckParameters::getHash's
// combine order exactly (cpp, then Definitions, Includes,
// IncludeDirectories, Libraries, Options). Each slice is sorted first:
// the original combines over an ordered std::set, and Go has no equivalent
// of that ordering guarantee for a plain slice.
func (p Parameters) hash(seed uint64) uint64 {
	seed = hashstore.HashBool(seed, p.CPP)
	seed = hashstore.HashStrings(seed, sorted(p.Definitions))
	seed = hashstore.HashStrings(seed, sorted(p.Includes))
	seed = hashstore.HashStrings(seed, sorted(p.IncludeDirectories))
	seed = hashstore.HashStrings(seed, sorted(p.Libraries))
	seed = hashstore.HashStrings(seed, sorted(p.Options))
	return seed
}

func sorted(ss []string) []string {
	if len(ss) == 0 {
		return ss
	}
	out := append([]string(nil), ss...)
	sort.Strings(out)
	return out
}

// Check is one probed configuration fact: does this function/include/type
// exist, what size/alignment does it have, does this source compile.
type Check struct {
	Kind   Kind
	Data   string // the function/include/type name, or raw source text
	Extra1 string // struct name or library name, for kinds that need two
	Extra2 string // member name or function name

	Definitions  []string // macro names this check controls, e.g. HAVE_FOO
	Prefixes     []string // additional prefixes merged in from reused checks
	Parameters   Parameters
	DefineIfZero bool

	// Manual marks a check that can't be resolved by running a probe on
	// this machine (e.g. it requires executing a cross-compiled binary on
	// the target) and must be deferred to an external cc_checks_command.
	Manual bool

	// Value is nil until the check has been run or loaded from storage.
	Value *int

	// dependencies holds the hashes of checks this one needs resolved
	// first (its Parameters.Includes, reified as IncludeExists checks).
	dependencies []uint64
}

// Hash returns Check's content-identity hash: Data, then Parameters, then
// kind-specific extras, mirroring Check::getHash / StructMemberExists::getHash
// / LibraryFunctionExists::getHash. This formula is frozen the same way
// hashstore.HashCombine is: it's what keys every checks.N.txt entry.
func (c *Check) Hash() uint64 {
	var h uint64
	h = hashstore.HashString(h, c.Data)
	h = hashstore.HashCombine(h, c.Parameters.hash(0))
	h = hashstore.HashBool(h, c.Parameters.CPP)
	switch c.Kind {
	case KindStructMemberExists:
		h = hashstore.HashString(h, c.Extra1)
		h = hashstore.HashString(h, c.Extra2)
	case KindLibraryFunctionExists:
		h = hashstore.HashString(h, c.Extra1)
		h = hashstore.HashString(h, c.Extra2)
	}
	return h
}

// IsChecked reports whether this check already has a value, either because
// it ran or because it was loaded from storage.
func (c *Check) IsChecked() bool { return c.Value != nil }

// Definition renders the preprocessor definition this check contributes,
// e.g. "HAVE_FOO=1", or "" if the value is zero and DefineIfZero is false.
func (c *Check) Definition() string {
	if len(c.Definitions) == 0 || c.Value == nil {
		return ""
	}
	return c.definitionFor(c.Definitions[0])
}

func (c *Check) definitionFor(name string) string {
	if *c.Value != 0 || c.DefineIfZero {
		return fmt.Sprintf("%s=%d", name, *c.Value)
	}
	return ""
}

// GatherDependencies returns the IncludeExists checks this check needs
// resolved before it can run - one per entry in Parameters.Includes.
func (c *Check) GatherDependencies() []*Check {
	deps := make([]*Check, 0, len(c.Parameters.Includes))
	for _, inc := range c.Parameters.Includes {
		deps = append(deps, NewIncludeExists(inc, "", c.Parameters.CPP))
	}
	return deps
}

// --- naming helpers, ported from make_function_var/make_include_var/etc. ---

func makeFunctionVar(d, prefix string) string {
	if prefix == "" {
		prefix = "HAVE_"
	}
	return prefix + strings.ToUpper(d)
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

func makeIncludeVar(i string) string {
	return sanitize(makeFunctionVar(i, ""))
}

func makeTypeVar(t, prefix string) string {
	v := makeFunctionVar(t, prefix)
	var b strings.Builder
	for _, r := range v {
		switch {
		case r == '*':
			b.WriteByte('P')
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func makeStructMemberVar(s, m string) string {
	return makeIncludeVar(s + " " + m)
}

func makeAlignmentVar(t string) string {
	return makeTypeVar(t, "ALIGNOF_")
}

// --- constructors, one per probe kind ---

// NewFunctionExists checks whether calling a function named fn links.
func NewFunctionExists(fn, def string, cpp bool) *Check {
	if def == "" {
		def = makeFunctionVar(fn, "")
	}
	return &Check{Kind: KindFunctionExists, Data: fn, Definitions: []string{def}, Parameters: Parameters{CPP: cpp}}
}

// NewIncludeExists checks whether a header can be included. When def is
// left for us to derive and the header is sys/-prefixed, a second
// definition collapsing "sys/" into "sys" is added alongside it (some
// libraries expect HAVE_SYSTIME_H rather than HAVE_SYS_TIME_H for
// "sys/time.h").
func NewIncludeExists(include, def string, cpp bool) *Check {
	var defs []string
	if def == "" {
		defs = []string{makeIncludeVar(include)}
		if strings.HasPrefix(include, "sys/") {
			defs = append(defs, makeIncludeVar("sys"+include[4:]))
		}
	} else {
		defs = []string{def}
	}
	return &Check{Kind: KindIncludeExists, Data: include, Definitions: defs, Parameters: Parameters{CPP: cpp}}
}

// NewTypeSize checks sizeof(t), defining HAVE_<T>, SIZEOF_<T>, SIZE_OF_<T>,
// HAVE_SIZEOF_<T> and HAVE_SIZE_OF_<T> once resolved.
func NewTypeSize(t, def string, cpp bool) *Check {
	defs := []string{
		makeTypeVar(t, ""),
		makeTypeVar(t, "SIZEOF_"),
		makeTypeVar(t, "SIZE_OF_"),
		makeTypeVar(t, "HAVE_SIZEOF_"),
		makeTypeVar(t, "HAVE_SIZE_OF_"),
	}
	if def != "" {
		defs = append(defs, def)
	}
	return &Check{
		Kind: KindTypeSize, Data: t, Definitions: defs,
		Parameters: Parameters{CPP: cpp, Includes: []string{"sys/types.h", "stdint.h", "stddef.h", "inttypes.h"}},
	}
}

// NewTypeAlignment checks offsetof-style alignment of t.
func NewTypeAlignment(t, def string, cpp bool) *Check {
	if def == "" {
		def = makeAlignmentVar(t)
	}
	return &Check{
		Kind: KindTypeAlignment, Data: t, Definitions: []string{def},
		Parameters: Parameters{CPP: cpp, Includes: []string{"sys/types.h", "stdint.h", "stddef.h", "stdio.h", "stdlib.h", "inttypes.h"}},
	}
}

// NewSymbolExists checks whether a preprocessor symbol is defined.
func NewSymbolExists(sym, def string, cpp bool) *Check {
	if def == "" {
		def = makeFunctionVar(sym, "")
	}
	return &Check{Kind: KindSymbolExists, Data: sym, Definitions: []string{def}, Parameters: Parameters{CPP: cpp}}
}

// NewDeclarationExists checks whether decl is declared (usable as an
// expression without triggering an implicit-declaration diagnostic).
func NewDeclarationExists(decl, def string, cpp bool) *Check {
	if def == "" {
		def = makeFunctionVar(decl, "HAVE_DECL_")
	}
	return &Check{
		Kind: KindDeclarationExists, Data: decl, Definitions: []string{def},
		Parameters: Parameters{CPP: cpp, Includes: []string{
			"sys/types.h", "stdint.h", "stddef.h", "inttypes.h", "stdio.h",
			"sys/stat.h", "stdlib.h", "memory.h", "string.h", "strings.h", "unistd.h",
		}},
	}
}

// NewStructMemberExists checks whether struct_ has a field named member.
func NewStructMemberExists(struct_, member, def string, cpp bool) *Check {
	if def == "" {
		def = makeStructMemberVar(struct_, member)
	}
	return &Check{
		Kind: KindStructMemberExists, Data: struct_ + "." + member,
		Extra1: struct_, Extra2: member,
		Definitions: []string{def}, Parameters: Parameters{CPP: cpp},
	}
}

// NewLibraryFunctionExists checks whether function links against library.
func NewLibraryFunctionExists(library, function, def string, cpp bool) *Check {
	if def == "" {
		def = makeFunctionVar(function, "")
	}
	return &Check{
		Kind: KindLibraryFunctionExists, Data: library + "." + function,
		Extra1: library, Extra2: function,
		Definitions: []string{def},
		Parameters:  Parameters{CPP: cpp, Libraries: []string{library}},
	}
}

// NewSourceCompiles checks whether arbitrary source text compiles.
func NewSourceCompiles(def, source string, cpp bool) *Check {
	return &Check{Kind: KindSourceCompiles, Data: source, Definitions: []string{def}, Parameters: Parameters{CPP: cpp}}
}

// NewSourceLinks checks whether arbitrary source text compiles and links.
func NewSourceLinks(def, source string, cpp bool) *Check {
	return &Check{Kind: KindSourceLinks, Data: source, Definitions: []string{def}, Parameters: Parameters{CPP: cpp}}
}

// NewSourceRuns checks whether arbitrary source text compiles, links, and
// exits zero when run; its Value is the process's actual exit code.
func NewSourceRuns(def, source string, cpp bool) *Check {
	return &Check{Kind: KindSourceRuns, Data: source, Definitions: []string{def}, Parameters: Parameters{CPP: cpp}}
}
