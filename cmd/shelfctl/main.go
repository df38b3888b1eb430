// Command shelfctl talks to a ShelfSync gateway: log in, fill a cart, check out, and run the
// librarian desk from a terminal.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
