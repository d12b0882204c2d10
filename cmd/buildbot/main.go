package main

import (
	"os"

	"github.com/haatos/vc4-buildbot/internal/cli"
	"github.com/haatos/vc4-buildbot/internal/service"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(service.ExitCode(err))
	}
}
