// Command fakesim runs RV32 programs the way Venus does for the harness:
// it accepts the same coverage, state dump and calling-convention flags,
// so suites can run without a Java installation.
package main

import (
	"os"

	"asmtest/pkg/simtest"
)

func main() {
	os.Exit(simtest.Main(os.Args[1:], os.Stdout, os.Stderr))
}
