package main

import (
	"os"

	logs "github.com/danmuck/kernelctl/internal/logging"
)

func main() {
	logs.ConfigureRuntime()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
