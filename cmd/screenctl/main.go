// Command screenctl talks to the screening engine HTTP API.
package main

import (
	"os"

	"screening-engine/cmd/screenctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
