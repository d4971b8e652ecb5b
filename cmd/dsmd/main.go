// Command dsmd is the host-level session directory daemon (§4.1): one
// instance per host, resolving session names to session-server addresses
// and spawning a server on first request.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/behrlich/dsm/internal/config"
	"github.com/behrlich/dsm/internal/daemon"
	"github.com/behrlich/dsm/internal/logger"
)

func main() {
	var envFile string

	root := &cobra.Command{
		Use:   "dsmd",
		Short: "DSM session directory daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if envFile != "" {
				loaded, err := config.LoadFile(envFile)
				if err != nil {
					return fmt.Errorf("load env file: %w", err)
				}
				cfg = loaded
			} else if loaded, err := config.Load(os.Environ()); err == nil {
				cfg = loaded
			}

			if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			listenAddr, _ := cmd.Flags().GetString("listen")
			serverExe, _ := cmd.Flags().GetString("server-exe")
			logDir, _ := cmd.Flags().GetString("log-dir")
			if listenAddr == "" {
				listenAddr = cfg.DaemonAddr
			}

			d := daemon.New(daemon.Config{
				ListenAddr: listenAddr,
				ServerExe:  serverExe,
				LogDir:     logDir,
			})

			logger.Info("dsmd starting", "listen", listenAddr)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			return d.Run(ctx)
		},
	}

	root.Flags().String("listen", "", "directory listen address (default from config)")
	root.Flags().String("server-exe", "dsm-server", "path to the dsm-server binary")
	root.Flags().String("log-dir", "", "directory for spawned session-servers' stdio logs")
	root.Flags().StringVar(&envFile, "env-file", "", "KEY=VALUE env file overriding os.Environ()")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dsmd: %v\n", err)
		os.Exit(1)
	}
}
