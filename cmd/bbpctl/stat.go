package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/colstore/bbp/pkg/diag"
)

var statCmd = &cobra.Command{
	Use:   "stat",
	Short: "Print slot table and farm occupancy for the bbpd at --addr",
	RunE:  runStat,
}

func runStat(cmd *cobra.Command, args []string) error {
	var snap diag.Snapshot
	if err := getJSON(cmd, "/debug/bbp", &snap); err != nil {
		return err
	}

	fmt.Printf("size:           %d\n", snap.Stats.SlotsTotal)
	fmt.Printf("slots live:     %d\n", snap.Stats.SlotsLive)
	fmt.Printf("slots loaded:   %d\n", snap.Stats.SlotsLoaded)
	fmt.Printf("physical pins:  %d\n", snap.Stats.PhysicalPinsTotal)
	fmt.Printf("logical refs:   %d\n", snap.Stats.LogicalRefsTotal)
	fmt.Printf("log_no:         %d\n", snap.LogNo)
	fmt.Printf("trans_id:       %d\n", snap.TransID)
	fmt.Println()
	fmt.Println("farms:")
	for _, f := range snap.Farms {
		kind := f.Dir
		if f.InMemory {
			kind = "(in-memory)"
		}
		fmt.Printf("  [%d] %-12s roles=%-3d %s\n", f.ID, f.Name, f.Roles, kind)
	}
	return nil
}
