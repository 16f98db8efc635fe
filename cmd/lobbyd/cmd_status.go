package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/okonek/lobbyd/internal/control"
)

var statusSocketPath string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	Long:  `Query the running lobbyd server and display connection counts and active lobbies.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusSocketPath, "socket", "", "control socket path (default: auto-detected)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	socketPath := statusSocketPath
	if socketPath == "" {
		socketPath = control.ResolveSocketPath()
	}

	status, err := control.FetchStatus(socketPath)
	if err != nil {
		return fmt.Errorf("is lobbyd running? %w", err)
	}

	fmt.Fprintf(os.Stdout, "Listen:        %s\n", status.ListenAddr)
	fmt.Fprintf(os.Stdout, "Uptime:        %s\n", formatDuration(time.Duration(status.UptimeSeconds*float64(time.Second))))
	fmt.Fprintf(os.Stdout, "Connections:   %d\n", status.Connections)
	fmt.Fprintf(os.Stdout, "Lobbies:       %d\n", len(status.Lobbies))
	fmt.Println()

	if len(status.Lobbies) == 0 {
		fmt.Println("No active lobbies.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LOBBY\tOWNER\tPEERS\tSEALED")
	for _, l := range status.Lobbies {
		sealed := "no"
		if l.Sealed {
			sealed = "yes"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", l.Name, l.Owner, l.Peers, sealed)
	}
	w.Flush()

	return nil
}

// formatDuration formats a duration into a human-readable string like
// "2h15m" or "45s".
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
