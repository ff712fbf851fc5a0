package main

import (
	"github.com/fleetmesh-project/fleetmesh/cmd/cli"
)

func main() {
	cli.Execute()
}
