package main

import "os"

// osExit is a package-level indirection over os.Exit so tests can
// intercept process termination instead of actually halting the test
// binary. See captureExit in run_test.go.
var osExit = os.Exit

// exitSentinel is panicked by osExit's test replacement to unwind the
// call stack the same way a real os.Exit would, without the process
// actually exiting.
type exitSentinel int
