package main

import (
	"os"

	"github.com/zuolabs/trellis-runner/cmd/trellisrun/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
