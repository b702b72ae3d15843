// Command swarmd supervises a fleet of role-scoped agent daemons.
package main

import (
	"os"

	"github.com/agentctl/swarm/internal/cmdline"
)

func main() {
	os.Exit(cmdline.Execute())
}
