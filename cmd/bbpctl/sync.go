package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/colstore/bbp/pkg/diag"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Trigger a full commit on the bbpd at --addr: stage dirty persistent BATs and flip them durable",
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().Int64("log-no", 0, "logno to record in the catalog for this commit")
	syncCmd.Flags().Int64("trans-id", 0, "transaction id to record in the catalog for this commit")
}

func runSync(cmd *cobra.Command, args []string) error {
	logNo, _ := cmd.Flags().GetInt64("log-no")
	transID, _ := cmd.Flags().GetInt64("trans-id")

	var res diag.SyncResult
	if err := postJSON(cmd, fmt.Sprintf("/sync?log_no=%d&trans_id=%d", logNo, transID), &res); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	fmt.Printf("committed %d BAT(s), log_no=%d trans_id=%d\n", len(res.Committed), res.LogNo, res.TransID)
	return nil
}
