package main

import (
	"github.com/scilifelabdatacentre/serve-status-sidecar/pkg/cmd"
)

func main() {
	if err := cmd.NewCommand().Execute(); err != nil {
		cmd.ExitWithErr(err)
	}
}
