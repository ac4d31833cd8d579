// Command catctl is the operator tool for adaptive tests: it simulates test
// takers against a pool, validates pool files and exports attempts.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
