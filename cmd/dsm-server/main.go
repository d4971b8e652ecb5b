// Command dsm-server is one session's global coordinator (§4.2): process-ID
// assignment, write serialization, the barrier, and named semaphores. The
// daemon spawns one per session name on first request.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/behrlich/dsm/internal/config"
	"github.com/behrlich/dsm/internal/logger"
	"github.com/behrlich/dsm/internal/sessionserver"
	"github.com/behrlich/dsm/internal/wiretrace"
)

func main() {
	var envFile string

	root := &cobra.Command{
		Use:   "dsm-server",
		Short: "DSM per-session coordinator",
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

			session, _ := cmd.Flags().GetString("session")
			nproc, _ := cmd.Flags().GetInt("nproc")
			daemonAddr, _ := cmd.Flags().GetString("daemon-addr")
			regionDir, _ := cmd.Flags().GetString("region-dir")
			trace, _ := cmd.Flags().GetBool("trace")

			if session == "" {
				return fmt.Errorf("--session is required")
			}
			if nproc < 2 {
				return fmt.Errorf("--nproc must be at least 2, got %d", nproc)
			}
			if regionDir == "" {
				regionDir = os.TempDir()
			}

			srv, err := sessionserver.New(sessionserver.Config{
				ListenAddr: "0.0.0.0:0",
				DaemonAddr: daemonAddr,
				Name:       session,
				Nproc:      nproc,
				RegionPath: filepath.Join(regionDir, "dsm_region_"+session),
				RegionSize: cfg.DefaultMapSize,
				Trace:      wiretrace.New(os.Stderr, trace),
			})
			if err != nil {
				return fmt.Errorf("start session-server: %w", err)
			}

			logger.Info("dsm-server starting", "session", session, "nproc", nproc)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			return srv.Run(ctx)
		},
	}

	root.Flags().String("session", "", "session name (required)")
	root.Flags().Int("nproc", 0, "total participants across every host (required, >= 2)")
	root.Flags().String("daemon-addr", "127.0.0.1:9000", "daemon address to report SET_SID/DEL_SID to")
	root.Flags().String("region-dir", "", "directory for the shared-region backing file (default: temp dir)")
	root.Flags().Bool("trace", false, "emit per-message zerolog tracing to stderr")
	root.Flags().StringVar(&envFile, "env-file", "", "KEY=VALUE env file overriding os.Environ()")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dsm-server: %v\n", err)
		os.Exit(1)
	}
}
