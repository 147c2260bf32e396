// Package compiler defines the opaque compiler capability the check engine
// probes against. The real build-target compiler driver is out of scope
// (spec §1's non-goals); this package is the thin seam a caller plugs a
// concrete toolchain into, grounded on the teacher's src/process subprocess
// wrapper: bounded timeout, captured combined output, and a non-zero exit
// code reported in the Result rather than as an error.
package compiler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("compiler")

// Result is what one probe compile-and-run attempt produced.
type Result struct {
	ExitCode int
	Output   string
}

// Compiler is the capability the check engine needs: turn one source file
// into a binary, and run a binary. Nothing else about the toolchain (flags,
// target triples, standard library selection) is modelled here.
type Compiler interface {
	// Compile builds src into a binary at outPath. extraArgs are passed
	// through verbatim (e.g. "-I<dir>", "-l<lib>", "-DFOO=1").
	Compile(ctx context.Context, src, outPath string, extraArgs []string) (Result, error)
	// Run executes binPath and reports its exit code without interpreting
	// it - the caller (a Check) decides what a given code means.
	Run(ctx context.Context, binPath string) (Result, error)
}

// Default is an exec.Command-based Compiler. Name is the compiler
// executable to invoke (e.g. "cc", "clang", "gcc"); Timeout bounds both
// Compile and Run.
type Default struct {
	Name    string
	Timeout time.Duration
}

// NewDefault builds a Default compiler, defaulting Name to "cc" and Timeout
// to 30s if left zero.
func NewDefault(name string, timeout time.Duration) *Default {
	if name == "" {
		name = "cc"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Default{Name: name, Timeout: timeout}
}

// Compile invokes the configured compiler on src, producing outPath.
func (d *Default) Compile(ctx context.Context, src, outPath string, extraArgs []string) (Result, error) {
	args := append([]string{src, "-o", outPath}, extraArgs...)
	return d.run(ctx, d.Name, args...)
}

// Run executes binPath directly.
func (d *Default) Run(ctx context.Context, binPath string) (Result, error) {
	return d.run(ctx, binPath)
}

func (d *Default) run(ctx context.Context, name string, args ...string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			log.Debug("%s failed to start: %s", name, err)
			return Result{Output: out.String()}, fmt.Errorf("compiler: running %s: %w", name, err)
		}
	}
	return Result{ExitCode: exitCode, Output: out.String()}, nil
}
