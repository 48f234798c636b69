package main

import (
	"os"

	"github.com/wuwei-labs/antegen/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
