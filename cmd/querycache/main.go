// Package main provides the querycache CLI for running the cache admin
// server and inspecting a running cache.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
