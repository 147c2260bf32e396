package checkengine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"github.com/future-io/sw/internal/checksstorage"
	"github.com/future-io/sw/internal/compiler"
	"github.com/future-io/sw/internal/dagplan"
	"github.com/future-io/sw/internal/executor"
)

var log = logging.MustGetLogger("checkengine")

// Checker runs configuration checks for one or more CheckSets against a
// single checks.N.txt storage file, deduplicating identical probes across
// sets by content hash.
//
// PerformChecks uses its own Executor rather than a process-global one:
// a probe belonging to one package's check set must never be able to
// starve, or deadlock against, the build-graph executor that might itself
// be waiting on this very check to complete.
type Checker struct {
	ChecksPath      string
	Compiler        compiler.Compiler
	Executor        *executor.Executor
	WorkDir         string
	PrintChecks     bool
	CCChecksCommand func(entries []checksstorage.ManualEntry) error

	storage *checksstorage.Storage
	sets    []*CheckSet
	checks  map[uint64]*Check
}

// NewChecker creates a Checker backed by checksPath. comp runs the actual
// probes; ex is the dedicated executor the plan is run on; workDir holds
// scratch probe sources and binaries.
func NewChecker(checksPath string, comp compiler.Compiler, ex *executor.Executor, workDir string) *Checker {
	return &Checker{
		ChecksPath: checksPath,
		Compiler:   comp,
		Executor:   ex,
		WorkDir:    workDir,
		storage:    checksstorage.New(),
		checks:     map[uint64]*Check{},
	}
}

// AddSet creates and registers a new CheckSet.
func (ch *Checker) AddSet(name string) *CheckSet {
	cs := newCheckSet(name)
	ch.sets = append(ch.sets, cs)
	return cs
}

func addCommonChecks(cs *CheckSet) {
	cs.Add(NewSourceRuns("WORDS_BIGENDIAN",
		"int main(void) { union { short s; char c[2]; } u; u.s = 1; return u.c[0] == 0; }", false))
}

func mergeStrings(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, s := range existing {
		seen[s] = true
	}
	out := existing
	for _, s := range add {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// mergeCheck folds c into the checker's canonical check map, returning the
// canonical *Check (c itself, the first time; the earlier one, on a repeat
// hash) and recording the result as a member of cs. On a repeat hash, c's
// Definitions are unioned into the survivor's own (so a set that probed the
// same fact under a different macro name still finds its own macro once
// resolved, per Invariant 5: survivor's definitions ⊇ D1 ∪ D2) and its
// Prefixes are unioned separately. It also gathers and merges c's own
// dependencies (its Includes, reified as IncludeExists checks) the first
// time c is seen.
func (ch *Checker) mergeCheck(cs *CheckSet, c *Check) *Check {
	h := c.Hash()
	cs.members = append(cs.members, h)
	if existing, ok := ch.checks[h]; ok {
		existing.Definitions = mergeStrings(existing.Definitions, c.Definitions)
		existing.Prefixes = mergeStrings(existing.Prefixes, c.Prefixes)
		cs.byHash[h] = existing
		return existing
	}
	ch.checks[h] = c
	cs.byHash[h] = c
	for _, dep := range c.GatherDependencies() {
		canonicalDep := ch.mergeCheck(cs, dep)
		c.dependencies = append(c.dependencies, canonicalDep.Hash())
	}
	return c
}

func (ch *Checker) mergeSet(cs *CheckSet) {
	pending := cs.all
	cs.all = nil
	for _, c := range pending {
		ch.mergeCheck(cs, c)
	}
}

// PerformChecks runs Checker::performChecks' algorithm: load stored
// results, merge every set's checks by hash, build an execution plan over
// whatever remains unresolved, run it, save, and prepare each set for
// lookup. If any unresolved check is Manual, its hash is written to the
// checks.N.txt.manual.txt sidecar and ErrManualChecksPending is returned;
// the caller resumes by calling RunManualChecks, which invokes
// CCChecksCommand.
func (ch *Checker) PerformChecks(ctx context.Context) error {
	if err := ch.storage.Load(ch.ChecksPath); err != nil {
		return err
	}
	for _, cs := range ch.sets {
		if !cs.addedCommon {
			addCommonChecks(cs)
			cs.addedCommon = true
		}
		if len(cs.all) > 0 {
			ch.mergeSet(cs)
		}
	}

	for h, c := range ch.checks {
		if c.Value == nil {
			if v, ok := ch.storage.Get(h); ok {
				c.Value = &v
			}
		}
	}

	unchecked := map[uint64]*Check{}
	var manualPending []*Check
	for h, c := range ch.checks {
		if c.IsChecked() {
			continue
		}
		if c.Manual {
			manualPending = append(manualPending, c)
			continue
		}
		unchecked[h] = c
	}

	if len(unchecked) > 0 {
		if err := ch.runPlan(ctx, unchecked); err != nil {
			return err
		}
	}

	for h, c := range ch.checks {
		if c.Value != nil {
			ch.storage.Add(h, *c.Value)
		}
	}
	if err := ch.storage.Save(ch.ChecksPath); err != nil {
		return err
	}

	for _, cs := range ch.sets {
		cs.prepareForUse()
	}
	if ch.PrintChecks {
		if err := ch.dumpPrintChecks(); err != nil {
			return err
		}
	}

	if len(manualPending) > 0 {
		if err := ch.saveManualPending(manualPending); err != nil {
			return err
		}
		return ErrManualChecksPending
	}
	return nil
}

// runPlan executes unchecked's probes under a fresh, unique scratch
// directory - one per PerformChecks invocation, not per check - so stale
// binaries from a killed or concurrent run never get reused, the same
// precaution the original takes by wiping its cc_dir before repopulating
// it.
func (ch *Checker) runPlan(ctx context.Context, unchecked map[uint64]*Check) error {
	runDir := filepath.Join(ch.WorkDir, uuid.New().String())
	defer os.RemoveAll(runDir)

	depsOf := make(map[uint64][]uint64, len(unchecked))
	for h, c := range unchecked {
		var deps []uint64
		for _, d := range c.dependencies {
			if dep := ch.checks[d]; dep != nil && !dep.IsChecked() {
				deps = append(deps, d)
			}
		}
		depsOf[h] = deps
	}

	probe := dagplan.New(depsOf, nil)
	plan := dagplan.New(depsOf, dagplan.LessByDepsThenDependents(probe))

	run := func(ctx context.Context, h uint64) error {
		c := unchecked[h]
		return c.Run(ctx, ch.Compiler, runDir, func(header string) bool {
			for _, d := range c.dependencies {
				dep := ch.checks[d]
				if dep != nil && dep.Kind == KindIncludeExists && dep.Data == header {
					return dep.Value != nil && *dep.Value != 0
				}
			}
			return false
		})
	}

	unprocessed, err := plan.Execute(ctx, ch.Executor, run)
	if err != nil {
		if errors.Is(err, dagplan.ErrCycle) {
			dotPath := filepath.Join(filepath.Dir(ch.ChecksPath), "cyclic_checks.dot")
			if dumpErr := dagplan.WriteGraphviz(dotPath, unprocessed, plan, func(h uint64) string {
				return fmt.Sprintf("%x", h)
			}); dumpErr != nil {
				log.Warning("checkengine: failed writing cycle dump: %s", dumpErr)
			}
			return fmt.Errorf("%w: see %s", ErrCycle, dotPath)
		}
		return err
	}
	return nil
}

func (ch *Checker) saveManualPending(pending []*Check) error {
	entries := make([]checksstorage.ManualEntry, 0, len(pending))
	for _, c := range pending {
		entries = append(entries, checksstorage.ManualEntry{Hash: c.Hash(), Macros: c.Definitions})
	}
	return checksstorage.SaveManualPending(ch.ChecksPath, entries)
}

// RunManualChecks resolves whatever checks PerformChecks deferred as
// Manual by invoking CCChecksCommand, reading back the resolved values it
// wrote to the manual-pending sidecar, folding them into storage, and then
// re-running PerformChecks once so any check depending on a newly-resolved
// manual one gets its chance to run.
func (ch *Checker) RunManualChecks(ctx context.Context) error {
	if ch.CCChecksCommand == nil {
		return fmt.Errorf("checkengine: manual checks pending but no cc_checks_command configured")
	}
	pending, err := checksstorage.LoadManualPending(ch.ChecksPath)
	if err != nil {
		return err
	}
	if err := ch.CCChecksCommand(pending); err != nil {
		return fmt.Errorf("checkengine: cc_checks_command failed: %w", err)
	}
	resolved, err := checksstorage.LoadManualPending(ch.ChecksPath)
	if err != nil {
		return err
	}
	for _, e := range resolved {
		if e.Value == nil {
			continue
		}
		if c, ok := ch.checks[e.Hash]; ok {
			c.Value = e.Value
		}
		ch.storage.Add(e.Hash, *e.Value)
	}
	if err := ch.storage.Save(ch.ChecksPath); err != nil {
		return err
	}
	if err := checksstorage.SaveManualPending(ch.ChecksPath, nil); err != nil {
		return err
	}
	return ch.PerformChecks(ctx)
}
