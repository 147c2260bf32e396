package checkengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/future-io/sw/internal/compiler"
)

// includeFilter reports whether header is known to be includable, so a
// dependent probe can skip #include-ing a header its own IncludeExists
// dependency found missing rather than fail the whole probe on that alone.
type includeFilter func(header string) bool

func (c *Check) includesBlock(ok includeFilter) string {
	var b strings.Builder
	for _, h := range c.Parameters.Includes {
		if ok != nil && !ok(h) {
			continue
		}
		fmt.Fprintf(&b, "#include <%s>\n", h)
	}
	return b.String()
}

func (c *Check) source(ok includeFilter) string {
	inc := c.includesBlock(ok)
	switch c.Kind {
	case KindIncludeExists:
		return fmt.Sprintf("#include <%s>\nint main(void) { return 0; }\n", c.Data)

	case KindFunctionExists:
		lang := ""
		if c.Parameters.CPP {
			lang = `#ifdef __cplusplus
extern "C"
#endif
`
		}
		return fmt.Sprintf("%schar %s(void);\nint main(void) { %s(); return 0; }\n", lang, c.Data, c.Data)

	case KindLibraryFunctionExists:
		lang := ""
		if c.Parameters.CPP {
			lang = `#ifdef __cplusplus
extern "C"
#endif
`
		}
		return fmt.Sprintf("%schar %s(void);\nint main(void) { %s(); return 0; }\n", lang, c.Extra2, c.Extra2)

	case KindSymbolExists:
		return fmt.Sprintf("%s#ifndef %s\n#error \"not defined\"\n#endif\nint main(void) { return 0; }\n", inc, c.Data)

	case KindDeclarationExists:
		return fmt.Sprintf("%sint main(void) {\n#ifndef %s\n  (void)%s;\n#endif\n  return 0;\n}\n", inc, c.Data, c.Data)

	case KindStructMemberExists:
		return fmt.Sprintf("%sint main(void) {\n  static %s probe;\n  return (int)(sizeof(probe.%s) == 0);\n}\n", inc, c.Extra1, c.Extra2)

	case KindTypeSize:
		return fmt.Sprintf("%s#include <stdio.h>\nint main(void) { printf(\"%%zu\", (size_t)sizeof(%s)); return 0; }\n", inc, c.Data)

	case KindTypeAlignment:
		return fmt.Sprintf(
			"%s#include <stddef.h>\n#include <stdio.h>\nstruct checkengine_align_probe { char c; %s member; };\n"+
				"int main(void) { printf(\"%%zu\", (size_t)offsetof(struct checkengine_align_probe, member)); return 0; }\n",
			inc, c.Data)

	case KindSourceCompiles, KindSourceLinks, KindSourceRuns:
		return c.Data

	default:
		return c.Data
	}
}

func (c *Check) ext() string {
	if c.Parameters.CPP {
		return ".cpp"
	}
	return ".c"
}

// needsLink reports whether the probe must produce a linked binary (as
// opposed to a compile-only object), either because its own kind requires
// running it or because it links against an external library.
func (c *Check) needsLink() bool {
	switch c.Kind {
	case KindFunctionExists, KindLibraryFunctionExists, KindSourceLinks, KindSourceRuns,
		KindTypeSize, KindTypeAlignment:
		return true
	}
	return len(c.Parameters.Libraries) > 0
}

func (c *Check) extraCompileArgs() []string {
	var args []string
	for _, dir := range c.Parameters.IncludeDirectories {
		args = append(args, "-I"+dir)
	}
	args = append(args, c.Parameters.Options...)
	if c.needsLink() {
		for _, lib := range c.Parameters.Libraries {
			args = append(args, "-l"+lib)
		}
	} else {
		args = append(args, "-c")
	}
	return args
}

// Run probes c against comp inside workDir, setting c.Value. ok filters the
// includes c's dependencies have already determined are unavailable.
func (c *Check) Run(ctx context.Context, comp compiler.Compiler, workDir string, ok includeFilter) error {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return err
	}
	name := fmt.Sprintf("check-%x", c.Hash())
	srcPath := filepath.Join(workDir, name+c.ext())
	outPath := filepath.Join(workDir, name)
	if err := os.WriteFile(srcPath, []byte(c.source(ok)), 0644); err != nil {
		return fmt.Errorf("checkengine: writing probe source: %w", err)
	}
	defer os.Remove(srcPath)
	defer os.Remove(outPath)
	if !c.needsLink() {
		outPath += ".o"
		defer os.Remove(outPath)
	}

	res, err := comp.Compile(ctx, srcPath, outPath, c.extraCompileArgs())
	compiled := err == nil && res.ExitCode == 0

	switch c.Kind {
	case KindSourceCompiles:
		c.setBool(compiled)
		return nil
	case KindSourceLinks, KindFunctionExists, KindLibraryFunctionExists, KindIncludeExists,
		KindSymbolExists, KindDeclarationExists, KindStructMemberExists:
		c.setBool(compiled)
		return nil
	}

	if !compiled {
		c.setBool(false)
		return nil
	}
	runRes, err := comp.Run(ctx, outPath)
	if err != nil {
		c.setBool(false)
		return nil
	}
	switch c.Kind {
	case KindSourceRuns:
		v := runRes.ExitCode
		c.Value = &v
	case KindTypeSize, KindTypeAlignment:
		n, parseErr := strconv.Atoi(strings.TrimSpace(runRes.Output))
		if parseErr != nil {
			c.setBool(false)
			return nil
		}
		c.Value = &n
	}
	return nil
}

func (c *Check) setBool(ok bool) {
	v := 0
	if ok {
		v = 1
	}
	c.Value = &v
}
