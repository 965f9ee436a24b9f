package main

import (
	"fmt"

	"github.com/danmuck/kernelctl/internal/config"
	"github.com/spf13/cobra"
)

var configFlags struct {
	force bool
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create or check kernelctl config files",
}

var configInitCmd = &cobra.Command{
	Use:   "init <path>",
	Short: "Write a starter manager config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteTemplate(args[0], "manager", configFlags.force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Load and validate a manager config",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadManagerConfig(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "validated %s: transport=%s boot_kernels=%d admin=%q\n",
			args[0], cfg.Kernel.Transport, cfg.BootKernels, cfg.AdminAddr)
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configFlags.force, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configValidateCmd)
	rootCmd.AddCommand(configCmd)
}
