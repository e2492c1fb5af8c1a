// Package dbrew implements dynamic binary rewriting of x86-64 machine code:
// given the address of a compiled function and a specialization
// configuration, it traces the function with a symbolic emulator and
// re-emits a partially-evaluated version of it into fresh executable
// memory.
package dbrew

import (
	"fmt"
	"os"

	"github.com/xyproto/env/v2"
)

// Verbose gates the package's trace helpers (trace below and
// Rewriter.trace), a package-level flag in the same vein as a compiler's
// VerboseMode switch for its own diagnostics. It defaults from
// DBREW_VERBOSE — DBrew has no CLI flags at its core boundary. No decoder,
// emulator, encoder or engine code calls the trace helpers, so setting it
// produces no output.
var Verbose = env.Bool("DBREW_VERBOSE")

// defaultMaxCallDepth bounds inlined CALL nesting during a trace.
// DBREW_MAX_CALL_DEPTH lets a caller raise or lower that bound for
// unusually deep or shallow call trees without a recompile; 0 or unset
// falls back to 5.
var defaultMaxCallDepth = func() int {
	if n := env.Int("DBREW_MAX_CALL_DEPTH"); n > 0 {
		return n
	}
	return 5
}()

func trace(format string, args ...any) {
	if Verbose {
		fmt.Fprintf(os.Stderr, format, args...)
		fmt.Fprintln(os.Stderr)
	}
}
