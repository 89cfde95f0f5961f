package main

import (
	"os"

	"gbmm/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
