// The main package for the gallery-proxy executable.
package main

import (
	"github.com/JakeFAU/gallery-proxy/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
