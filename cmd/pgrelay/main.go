package main

import (
	"os"

	"github.com/pgrelay/pgrelay/internal/cli"
)

func main() {
	os.Exit(cli.Main(os.Args[1:]))
}
