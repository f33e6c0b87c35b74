package main

import (
	"log"

	"github.com/edgeforge/deployd/cmd/deployctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
