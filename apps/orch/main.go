package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/omniforge/orch/apps/orch/cmd"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "orch crashed: %v\n", r)
			if os.Getenv("ORCH_DEBUG") != "" {
				debug.PrintStack()
			}
			os.Exit(2)
		}
	}()

	cmd.Execute()
}
