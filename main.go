// The main package for the radar executable.
package main

import (
	"github.com/JakeFAU/local-radar/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
