package main

import (
	"log"

	"github.com/austindbirch/taskhook/cmd/taskctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
