package main

import (
	"log"

	"streamchain/services/keeperd"
)

func main() {
	if err := keeperd.Main(); err != nil {
		log.Fatalf("keeperd: %v", err)
	}
}
