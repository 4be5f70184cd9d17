package main

import (
	"os"

	"github.com/jpmoo/tasknotes-sub007/cmd/taskcal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
