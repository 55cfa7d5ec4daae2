// Command taskpipe verifies task updates against the TaskPipe backend, either
// interactively in a terminal or as a messaging relay.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
