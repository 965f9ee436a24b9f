package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/danmuck/kernelctl/internal/admin"
	"github.com/danmuck/kernelctl/internal/auth"
	"github.com/danmuck/kernelctl/internal/config"
	"github.com/danmuck/kernelctl/internal/connection"
	"github.com/danmuck/kernelctl/internal/inprocess"
	logs "github.com/danmuck/kernelctl/internal/logging"
	"github.com/danmuck/kernelctl/internal/manager"
	"github.com/danmuck/kernelctl/internal/transport"
	"github.com/spf13/cobra"
)

var serveFlags struct {
	config    string
	adminAddr string
	boot      int
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the kernel manager and its admin API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultManagerConfig()
		if serveFlags.config != "" {
			loaded, err := config.LoadManagerConfig(serveFlags.config)
			if err != nil {
				return err
			}
			cfg = loaded
		}
		if cmd.Flags().Changed("admin") {
			cfg.AdminAddr = serveFlags.adminAddr
		}
		if cmd.Flags().Changed("boot") {
			cfg.BootKernels = serveFlags.boot
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveFlags.config, "config", "c", "", "TOML config file")
	serveCmd.Flags().StringVar(&serveFlags.adminAddr, "admin", "", "admin HTTP listen address (empty disables)")
	serveCmd.Flags().IntVar(&serveFlags.boot, "boot", 0, "kernels to start with the server")
	rootCmd.AddCommand(serveCmd)
}

// newManager picks in-process kernels for inproc and OS processes otherwise.
func newManager(cfg config.ManagerConfig) *manager.MultiKernelManager {
	kcfg := cfg.KernelConfig()
	if kcfg.Transport == connection.TransportInproc {
		fabric := transport.NewFabric()
		return manager.NewMultiKernelManager(kcfg, inprocess.NewLauncher(fabric), fabric)
	}
	return manager.NewMultiKernelManager(kcfg, manager.LocalLauncher{}, transport.ZMQ{})
}

func serve(ctx context.Context, cfg config.ManagerConfig) error {
	kernels := newManager(cfg)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.Kernel.ShutdownWait)
		defer cancel()
		if err := kernels.ShutdownAll(shutdownCtx, false); err != nil {
			logs.Errorf("kernelctl.serve shutdown err=%v", err)
		}
	}()

	for i := 0; i < cfg.BootKernels; i++ {
		id, err := kernels.StartKernel(ctx)
		if err != nil {
			return fmt.Errorf("boot kernel %d: %w", i, err)
		}
		if _, err := kernels.AddRestartCallback(id, manager.EventDead, func(id string, _ manager.RestartEvent) {
			logs.Errorf("kernelctl.serve kernel=%s is dead", id)
		}); err != nil {
			return err
		}
		if _, err := kernels.AddRestartCallback(id, manager.EventRestart, func(id string, _ manager.RestartEvent) {
			logs.Warnf("kernelctl.serve kernel=%s restarted", id)
		}); err != nil {
			return err
		}
	}
	logs.Infof("kernelctl.serve kernels=%d transport=%s", cfg.BootKernels, cfg.Kernel.Transport)

	if cfg.AdminAddr == "" {
		<-ctx.Done()
		return nil
	}
	srv := admin.New("kernelctl", cfg.AdminAddr, kernels, cfg.CorsOrigins, adminOptions(cfg)...)
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func adminOptions(cfg config.ManagerConfig) []admin.Option {
	var opts []admin.Option
	if len(cfg.AdminTokens) > 0 {
		opts = append(opts, admin.WithAuth(auth.Tokens(cfg.AdminTokens)))
	}
	if cfg.AdminTLS.Enabled() {
		opts = append(opts, admin.WithTLS(admin.TLSConfig{
			CertFile:     cfg.AdminTLS.CertFile,
			KeyFile:      cfg.AdminTLS.KeyFile,
			ClientCAFile: cfg.AdminTLS.ClientCAFile,
		}))
	}
	return opts
}
