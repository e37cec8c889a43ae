package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/colstore/bbp/pkg/ledger"
)

var leftoversCmd = &cobra.Command{
	Use:   "leftovers",
	Short: "Inspect the leftovers quarantine ledger",
}

var leftoversListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every file recovery has quarantined into LEFTOVERS or the disk scan has deleted",
	RunE:  runLeftoversList,
}

func init() {
	leftoversCmd.AddCommand(leftoversListCmd)
}

func runLeftoversList(cmd *cobra.Command, args []string) error {
	var entries []ledger.Entry
	if err := getJSON(cmd, "/leftovers", &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no quarantined files")
		return nil
	}
	for _, e := range entries {
		ts := time.Unix(e.QuarantinedAt, 0).UTC().Format(time.RFC3339)
		fmt.Printf("%-20s  id=%-8d %s  %s\n", ts, e.DetectedID, e.OriginalPath, e.Reason)
	}
	return nil
}
