package main

import (
	"log"

	"github.com/abickford/relay_hook/cmd/relayctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
