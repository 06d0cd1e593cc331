package main

import (
	"os"

	"semipd/internal/cli"
)

func main() { os.Exit(cli.Main()) }
