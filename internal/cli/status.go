package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/intake/internal/health"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the health of every external dependency",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	var report health.HealthReport
	if err := call(context.Background(), "GET", "/health", &report); err != nil {
		slog.Error("Failed to fetch health", "error", err)
		os.Exit(1)
	}

	fmt.Printf("System: %s (ready: %t, sessions: %d, deferred: %d)\n\n",
		report.SystemStatus, report.Ready, report.ActiveSessions, report.DeferredQueue)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "DEPENDENCY\tSTATUS\tCIRCUIT\tFAILURES\tCALLS\tFALLBACKS\tAVG LATENCY\tLAST ERROR")

	for _, d := range report.Dependencies {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%s\t%s\n",
			d.Name,
			d.Status,
			d.State,
			d.ConsecutiveFailures, d.FailureThreshold,
			d.Attempts,
			d.FallbacksUsed,
			d.AverageLatency.Round(time.Millisecond),
			d.LastError,
		)
	}
	_ = w.Flush()
}
