package checkengine

import "errors"

// ErrManualChecksPending is returned by PerformChecks when one or more
// checks in the batch are Manual and have no stored value yet: the caller
// resumes by calling RunManualChecks, which invokes CCChecksCommand.
var ErrManualChecksPending = errors.New("checkengine: manual checks pending external resolution")

// ErrCycle is returned when the dependency graph among unchecked checks
// contains a cycle; a .dot dump is written alongside the checks file for
// diagnosis.
var ErrCycle = errors.New("checkengine: dependency cycle among checks")
