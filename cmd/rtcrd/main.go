package main

import (
	"os"

	"github.com/nixpig/rtcr/internal/server"
)

func main() {
	if err := server.Cmd().Execute(); err != nil {
		os.Exit(1)
	}
}
