package main

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "kernelctl",
	Short: "Run and manage message-protocol kernels.",
	Long: `kernelctl runs interactive kernels that speak the five-channel message protocol ` +
		`(shell, iopub, stdin, control, heartbeat), supervises them with automatic restarts, ` +
		`and exposes them through an admin HTTP API.`,
	SilenceUsage: true,
}
