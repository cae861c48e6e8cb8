// Command agentd is the server binary: a websocket bridge fronting the
// reasoning loop, plus a read-only inspection CLI standing in for the
// out-of-scope web inspection UI.
package main

import (
	"fmt"
	"os"

	"github.com/sandboxhaven/agentd/cmd/agentd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
