package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/kernelctl/internal/connection"
	"github.com/danmuck/kernelctl/internal/engine/shell"
	"github.com/danmuck/kernelctl/internal/kernel"
	logs "github.com/danmuck/kernelctl/internal/logging"
	"github.com/danmuck/kernelctl/internal/transport"
	"github.com/spf13/cobra"
)

var kernelFlags struct {
	connectionFile string
	shell          string
}

var kernelCmd = &cobra.Command{
	Use:   "kernel",
	Short: "Run one shell kernel on the endpoints in a connection file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := connection.ReadFile(kernelFlags.connectionFile)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		return runKernel(ctx, cancel, info)
	},
}

func init() {
	kernelCmd.Flags().StringVarP(&kernelFlags.connectionFile, "connection-file", "f", "", "kernel connection file")
	kernelCmd.Flags().StringVar(&kernelFlags.shell, "shell", shell.DefaultConfig().Shell, "shell used to run code")
	_ = kernelCmd.MarkFlagRequired("connection-file")
	rootCmd.AddCommand(kernelCmd)
}

func runKernel(ctx context.Context, cancel context.CancelFunc, info connection.Info) error {
	engine := shell.New(shell.Config{Shell: kernelFlags.shell})
	core, err := kernel.Start(ctx, transport.For(info, nil), info, engine, kernel.Config{
		KernelID: os.Getenv("KERNELCTL_KERNEL_ID"),
	})
	if err != nil {
		return err
	}

	// SIGINT interrupts the running execution; the kernel keeps serving.
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				if sig == syscall.SIGINT {
					core.Interrupt()
					continue
				}
				logs.Infof("kernelctl.kernel signal=%s stopping", sig)
				cancel()
				return
			}
		}
	}()

	if err := core.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
