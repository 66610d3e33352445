package main

import (
	"os"

	"github.com/Monkey-cpu-ally/atlas-core-sub001/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
