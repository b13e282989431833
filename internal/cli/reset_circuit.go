package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vietddude/intake/internal/core/domain"
)

var resetCircuitCmd = &cobra.Command{
	Use:       "reset-circuit [dependency]",
	Short:     "Close the circuit breaker of a dependency and clear its statistics",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{domain.DependencyLLM, domain.DependencyCalendar, domain.DependencyCRM},
	Run:       runResetCircuit,
}

func init() {
	rootCmd.AddCommand(resetCircuitCmd)
}

func runResetCircuit(cmd *cobra.Command, args []string) {
	name := strings.ToLower(args[0])

	var dep domain.DependencyHealth
	if err := call(context.Background(), "POST", "/dependencies/"+name+"/reset", &dep); err != nil {
		slog.Error("Failed to reset circuit", "dependency", name, "error", err)
		os.Exit(1)
	}

	fmt.Printf("Circuit for %s reset (state: %s)\n", name, dep.State)
}
