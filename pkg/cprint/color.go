// Package cprint prints Chimera's dev-mode diagnostics — trust-policy
// warnings, divergence reports — to the console, colored the way a human
// skimming a terminal expects: yellow for "accepted, but you should look at
// this", red for rejected/error paths, blue for plain informational notices.
package cprint

import (
	"os"
	"sync"

	"github.com/fatih/color"
)

var (
	// mu synchronizes writes from multiple goroutines — dev-mode warnings
	// can originate from any query's task-completion goroutine.
	mu sync.Mutex
	// DisableOutput silences every print below; tests set this to keep
	// output off the wire.
	DisableOutput bool
)

var (
	warnFprintf  = color.New(color.FgYellow).FprintfFunc()
	errorFprintf = color.New(color.FgRed).FprintfFunc()
	infoFprintf  = color.New(color.FgBlue).FprintfFunc()
)

// Warnf prints a dev-mode warning (yellow) to stderr: trust-mode id
// mismatches accepted under the trust+dev policy, and collection
// trust-fetch divergences.
func Warnf(format string, a ...interface{}) {
	if DisableOutput {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	warnFprintf(os.Stderr, format, a...)
}

// Errorf prints a dev-mode error notice (red) to stderr.
func Errorf(format string, a ...interface{}) {
	if DisableOutput {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	errorFprintf(os.Stderr, format, a...)
}

// Infof prints a plain informational notice (blue) to stderr.
func Infof(format string, a ...interface{}) {
	if DisableOutput {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	infoFprintf(os.Stderr, format, a...)
}
