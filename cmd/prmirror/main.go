package main

import (
	"os"

	"github.com/repoautomator/prmirror/cmd"
)

func main() {
	if err := cmd.RootCommand.Execute(); err != nil {
		os.Exit(1)
	}
}
