// Command bbpd runs the BBP engine as a standalone daemon: it loads a farm
// layout from a YAML config, brings up the slot table and catalog, starts
// the background trimmer and a diagnostics/control server, and seeds two
// demo BATs so there's something to inspect through bbpctl.
//
// A single cobra root command, log.Init from persistent flags in
// cobra.OnInitialize, a background HTTP server, and os/signal-driven
// graceful shutdown. There is no cluster/raft bootstrap here: this
// binary starts one process-local engine, not a multi-node cluster.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/colstore/bbp/pkg/config"
	"github.com/colstore/bbp/pkg/diag"
	"github.com/colstore/bbp/pkg/engine"
	"github.com/colstore/bbp/pkg/farm"
	"github.com/colstore/bbp/pkg/log"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "bbpd",
	Short:   "bbpd runs the BAT Buffer Pool as a standalone process",
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("bbpd version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().StringP("config", "c", "", "Path to the bbpd YAML config (required)")
	rootCmd.Flags().Bool("first-time", false, "Initialize a brand-new database instead of loading an existing catalog")
	rootCmd.Flags().Bool("seed-demo", true, "Insert a few demo BATs for bbpctl to inspect")
	_ = rootCmd.MarkFlagRequired("config")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
}

func runDaemon(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	firstTime, _ := cmd.Flags().GetBool("first-time")
	seedDemo, _ := cmd.Flags().GetBool("seed-demo")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	eng, err := engine.Init(cfg, firstTime, demoLoader)
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}

	if seedDemo {
		if err := seedDemoBATs(eng); err != nil {
			log.Logger.Warn().Err(err).Msg("failed to seed demo BATs")
		}
	}

	trimmer := eng.Trimmer(nil)
	trimmer.Start()
	fmt.Println("✓ Background trimmer started")

	diagSrv := diag.New(eng, cfg.DiagAddr)
	errCh := make(chan error, 1)
	go func() {
		if err := diagSrv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()
	fmt.Printf("✓ Diagnostics server listening on http://%s (/healthz, /metrics, /debug/bbp)\n", cfg.DiagAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived signal %s, shutting down...\n", sig)
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "diagnostics server error: %v\n", err)
	}

	shutdown(eng, diagSrv)
	return nil
}

func shutdown(eng *engine.Engine, diagSrv *diag.Server) {
	_ = diagSrv.Close()
	if err := eng.Exit(); err != nil {
		log.Logger.Error().Err(err).Msg("engine exit failed")
	}
	fmt.Println("✓ Shutdown complete")
}

// seedDemoBATs inserts one transient and one persistent BAT so a
// freshly started bbpd has something to show through bbpctl stat.
func seedDemoBATs(eng *engine.Engine) error {
	transientID, err := eng.SelectFarm(farm.RoleTransient, true)
	if err != nil {
		return err
	}
	if _, err := eng.Insert(transientID, "", false, newDemoBAT(transientID, false)); err != nil {
		return err
	}

	persistentID, err := eng.SelectFarm(farm.RolePersistent, true)
	if err != nil {
		return err
	}
	id, err := eng.Insert(persistentID, "demo_strings", true, newDemoBAT(persistentID, true))
	if err != nil {
		return err
	}
	eng.Retain(id)
	return nil
}
