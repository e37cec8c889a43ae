// Command bbpctl is an operator CLI for a running bbpd: it talks to the
// engine's diagnostics HTTP port (pkg/diag) to dump slot/farm stats,
// list the leftovers ledger, and trigger an out-of-cadence trim pass or
// commit. It never opens the farm directories itself, since a second
// process doing that while bbpd is live would race on exactly the locks
// the core exists to enforce within one process.
//
// Laid out as one cobra subcommand per file (stat.go, leftovers.go,
// trim.go, sync.go)
// with a thin client wrapper over the control plane's network API, here
// a plain net/http + JSON client rather than a generated gRPC service,
// since this module's read-only/control surface is pkg/diag's HTTP
// endpoints (see DESIGN.md's dropped-dependency note on
// google.golang.org/grpc).
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bbpctl",
	Short: "bbpctl is an operator CLI for a running bbpd",
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func init() {
	rootCmd.PersistentFlags().String("addr", "http://localhost:8077", "bbpd diagnostics address")

	rootCmd.AddCommand(statCmd)
	rootCmd.AddCommand(leftoversCmd)
	rootCmd.AddCommand(trimCmd)
	rootCmd.AddCommand(syncCmd)
}
