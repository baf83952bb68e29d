package main

import (
	"os"

	"github.com/repoindex/repoindex/cmd/repoindex/cmd"
	"github.com/repoindex/repoindex/internal/common"
)

func main() {
	common.ConfigureLogging("text", "info")
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
