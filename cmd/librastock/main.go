// Command librastock runs the circulation server and its operator tasks.
package main

import (
	"fmt"
	"os"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "librastock:", err)
		os.Exit(exitCode(err))
	}
	os.Exit(exitSuccess)
}
