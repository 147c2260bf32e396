package dagplan

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/future-io/sw/internal/executor"
)

// Diamond: D depends on B and C, which both depend on A.
func diamond() map[string][]string {
	return map[string][]string{
		"A": nil,
		"B": {"A"},
		"C": {"A"},
		"D": {"B", "C"},
	}
}

func TestExecutesInDependencyOrder(t *testing.T) {
	plan := New(diamond(), nil)
	ex := executor.New(4)

	var mu sync.Mutex
	var order []string
	unprocessed, err := plan.Execute(context.Background(), ex, func(ctx context.Context, n string) error {
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, unprocessed)

	pos := map[string]int{}
	for i, n := range order {
		pos[n] = i
	}
	assert.Less(t, pos["A"], pos["B"])
	assert.Less(t, pos["A"], pos["C"])
	assert.Less(t, pos["B"], pos["D"])
	assert.Less(t, pos["C"], pos["D"])
}

func TestCycleDetected(t *testing.T) {
	deps := map[string][]string{
		"A": {"B"},
		"B": {"A"},
	}
	plan := New(deps, nil)
	ex := executor.New(4)

	unprocessed, err := plan.Execute(context.Background(), ex, func(ctx context.Context, n string) error {
		return nil
	})
	require.ErrorIs(t, err, ErrCycle)
	assert.ElementsMatch(t, []string{"A", "B"}, unprocessed)
}

func TestCycleGraphvizDump(t *testing.T) {
	deps := map[string][]string{
		"A": {"B"},
		"B": {"A"},
	}
	plan := New(deps, nil)
	ex := executor.New(4)

	unprocessed, err := plan.Execute(context.Background(), ex, func(ctx context.Context, n string) error {
		return nil
	})
	require.ErrorIs(t, err, ErrCycle)

	dir := t.TempDir()
	dotPath := filepath.Join(dir, "cyclic", "deps_checks.dot")
	require.NoError(t, WriteGraphviz(dotPath, unprocessed, plan, func(n string) string { return n }))

	content, err := os.ReadFile(dotPath)
	require.NoError(t, err)
	s := string(content)
	assert.Contains(t, s, `"A"`)
	assert.Contains(t, s, `"B"`)
	assert.Contains(t, s, `"A" -> "B"`)
	assert.Contains(t, s, `"B" -> "A"`)
}

func TestFailureStopsDependentsButLetsSiblingsFinish(t *testing.T) {
	deps := map[string][]string{
		"A": nil,
		"B": nil,
		"C": {"A"}, // depends on the failing node
		"D": {"B"}, // independent branch, should still run
	}
	plan := New(deps, nil)
	ex := executor.New(4)

	var dRan int64
	unprocessed, err := plan.Execute(context.Background(), ex, func(ctx context.Context, n string) error {
		if n == "A" {
			return assertErr
		}
		if n == "D" {
			atomic.AddInt64(&dRan, 1)
		}
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, unprocessed, "C")
	assert.EqualValues(t, 1, dRan)
}

var assertErr = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
