package checkengine

// CheckSet groups the checks one caller (one target/config) cares about.
// The same underlying Check may be shared by several sets when they probe
// the same fact under the same Parameters - Checker merges those by hash
// so the probe only runs once.
type CheckSet struct {
	Name string

	all     []*Check          // collected via Add, not yet merged into the checker
	members []uint64          // hashes of every check (own or merged) this set owns
	byHash  map[uint64]*Check // checker's canonical check for each member hash

	byDefinition map[string]*Check // populated by prepareForUse
	addedCommon  bool
}

func newCheckSet(name string) *CheckSet {
	return &CheckSet{Name: name, byHash: map[uint64]*Check{}}
}

// Add registers c as wanted by this set and returns it for chaining.
func (cs *CheckSet) Add(c *Check) *Check {
	cs.all = append(cs.all, c)
	return c
}

// FunctionExists is shorthand for Add(NewFunctionExists(...)).
func (cs *CheckSet) FunctionExists(fn string, cpp bool) *Check {
	return cs.Add(NewFunctionExists(fn, "", cpp))
}

// IncludeExists is shorthand for Add(NewIncludeExists(...)).
func (cs *CheckSet) IncludeExists(header string, cpp bool) *Check {
	return cs.Add(NewIncludeExists(header, "", cpp))
}

// TypeSize is shorthand for Add(NewTypeSize(...)).
func (cs *CheckSet) TypeSize(t string, cpp bool) *Check {
	return cs.Add(NewTypeSize(t, "", cpp))
}

// Get returns the resolved check controlling definition, once
// prepareForUse has run (at the end of Checker.PerformChecks).
func (cs *CheckSet) Get(definition string) (*Check, bool) {
	c, ok := cs.byDefinition[definition]
	return c, ok
}

// Definitions renders every resolved, non-empty definition in this set,
// e.g. for feeding straight into a compiler's -D flags.
func (cs *CheckSet) Definitions() []string {
	var out []string
	for _, h := range cs.members {
		c := cs.byHash[h]
		if c == nil {
			continue
		}
		for _, def := range c.Definitions {
			if d := c.definitionFor(def); d != "" {
				out = append(out, d)
			}
		}
	}
	return out
}

// prepareForUse builds byDefinition from the set's resolved members,
// mirroring Checker::prepareChecksForUse: every Definitions entry (plus any
// Prefixes merged in from a reused check) maps back to the check.
func (cs *CheckSet) prepareForUse() {
	cs.byDefinition = make(map[string]*Check, len(cs.members))
	for _, h := range cs.members {
		c := cs.byHash[h]
		if c == nil {
			continue
		}
		for _, def := range c.Definitions {
			cs.byDefinition[def] = c
		}
		for _, prefix := range c.Prefixes {
			cs.byDefinition[prefix] = c
		}
	}
}
