package main

import (
	"github.com/ai4all/worker/internal/adapters/cli"
)

func main() {
	cli.Execute()
}
