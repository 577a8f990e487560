// The main package for the argus executable.
package main

import (
	"github.com/JakeFAU/argus-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
