// Command appmuxd runs the reverse-proxy, process supervisor and
// WebSocket bridge described by a JSON configuration file.
package main

import (
	"fmt"
	"os"

	"github.com/appmux/appmux/cmd/appmuxd/cmd"
)

func main() {
	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
