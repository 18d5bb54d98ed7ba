package main

import (
	"os"

	"github.com/mycnet/ramrepl/cmd"
	"github.com/mycnet/ramrepl/utils/log"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Error("%v", err)
		os.Exit(1)
	}
}
