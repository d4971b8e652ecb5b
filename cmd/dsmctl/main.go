// Command dsmctl is the supplemented inspection CLI: it connects to a
// running dsmd and prints the live session table, reifying
// dsm_showSocketInfo's debug printf as a real subcommand.
package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/behrlich/dsm/internal/config"
	"github.com/behrlich/dsm/internal/wire"
)

func main() {
	var daemonAddr string

	root := &cobra.Command{
		Use:   "dsmctl",
		Short: "Inspect a running DSM daemon",
	}
	root.PersistentFlags().StringVar(&daemonAddr, "daemon-addr", config.Default().DaemonAddr, "dsmd directory address")

	root.AddCommand(&cobra.Command{
		Use:   "sessions",
		Short: "List every session the daemon is tracking",
		RunE: func(cmd *cobra.Command, args []string) error {
			return listSessions(daemonAddr, cmd.OutOrStdout())
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "probe",
		Short: "Print a fresh correlation id for tagging a manual debug session",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), uuid.New().String())
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dsmctl: %v\n", err)
		os.Exit(1)
	}
}

func listSessions(daemonAddr string, out io.Writer) error {
	conn, err := net.Dial("tcp", daemonAddr)
	if err != nil {
		return fmt.Errorf("dial daemon at %s: %w", daemonAddr, err)
	}
	defer conn.Close()

	if err := wire.WriteMessage(conn, wire.Message{Tag: wire.TagListSessions}); err != nil {
		return fmt.Errorf("send LIST_SESSIONS: %w", err)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tPORT\tWAITERS")

	count := 0
	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("read session list: %w", err)
		}
		if msg.Tag != wire.TagSessionInfo {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\n", msg.SIDName, msg.PortOrN, msg.Nproc)
		count++
	}

	if count == 0 {
		fmt.Fprintln(tw, "(no active sessions)")
	}
	return tw.Flush()
}
