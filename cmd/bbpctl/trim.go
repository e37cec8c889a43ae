package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/colstore/bbp/pkg/diag"
)

var trimCmd = &cobra.Command{
	Use:   "trim",
	Short: "Trigger one background-trimmer pass on the bbpd at --addr and report what it unloaded",
	RunE:  runTrim,
}

func init() {
	trimCmd.Flags().Bool("aggressive", false, "Unload HOT BATs too, not just cold ones")
}

func runTrim(cmd *cobra.Command, args []string) error {
	aggressive, _ := cmd.Flags().GetBool("aggressive")
	path := "/trim"
	if aggressive {
		path = "/trim?aggressive=true"
	}

	var res diag.TrimResult
	if err := postJSON(cmd, path, &res); err != nil {
		return fmt.Errorf("trim: %w", err)
	}
	fmt.Printf("unloaded %d BAT(s)\n", res.Unloaded)
	return nil
}
