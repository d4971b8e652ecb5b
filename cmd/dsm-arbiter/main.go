// Command dsm-arbiter is the host-local relay between worker processes and
// a session-server (§4.3). The client library spawns one per host on the
// session's rank-0 participant.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/behrlich/dsm/internal/arbiter"
	"github.com/behrlich/dsm/internal/config"
	"github.com/behrlich/dsm/internal/logger"
	"github.com/behrlich/dsm/internal/wiretrace"
)

func main() {
	var envFile string

	root := &cobra.Command{
		Use:   "dsm-arbiter",
		Short: "DSM host-local write arbiter",
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
			listen, _ := cmd.Flags().GetString("listen")
			serverAddr, _ := cmd.Flags().GetString("server-addr")
			regionDir, _ := cmd.Flags().GetString("region-dir")
			trace, _ := cmd.Flags().GetBool("trace")

			if serverAddr == "" {
				return fmt.Errorf("--server-addr is required")
			}
			if regionDir == "" {
				regionDir = os.TempDir()
			}
			if listen == "" {
				listen = fmt.Sprintf("127.0.0.1:%d", cfg.ArbiterPort)
			}

			a, err := arbiter.New(arbiter.Config{
				ListenAddr: listen,
				ServerAddr: serverAddr,
				RegionPath: filepath.Join(regionDir, "dsm_region_"+session),
				RegionSize: cfg.DefaultMapSize,
				Trace:      wiretrace.New(os.Stderr, trace),
			})
			if err != nil {
				return fmt.Errorf("start arbiter: %w", err)
			}

			logger.Info("dsm-arbiter starting", "session", session, "listen", listen)
			startedAt := time.Now()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			err = a.Run(ctx)

			logger.Info("dsm-arbiter exiting",
				"messages_exchanged", a.MessageCount(),
				"seconds_elapsed", time.Since(startedAt).Seconds())
			return err
		},
	}

	root.Flags().String("session", "", "session name, for the shared-region file name")
	root.Flags().String("listen", "", "local loopback address sibling ranks dial (default from config)")
	root.Flags().String("server-addr", "", "session-server host:port (required)")
	root.Flags().String("region-dir", "", "directory for the shared-region backing file (default: temp dir)")
	root.Flags().Bool("trace", false, "emit per-message zerolog tracing to stderr")
	root.Flags().StringVar(&envFile, "env-file", "", "KEY=VALUE env file overriding os.Environ()")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dsm-arbiter: %v\n", err)
		os.Exit(1)
	}
}
