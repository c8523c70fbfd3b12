package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drover-io/drover/pkg/api"
	"github.com/drover-io/drover/pkg/config"
	"github.com/drover-io/drover/pkg/engine"
	"github.com/drover-io/drover/pkg/log"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the orchestrator server",
	Long: `Run the Drover orchestrator: the robot listener, the dispatch and
scheduling loops, and the admin HTTP API.

Configuration is read from a YAML file when --config is given; flags
override the file.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().String("config", "", "Path to YAML config file")
	serverCmd.Flags().String("listen-addr", "", "Robot listener address (overrides config)")
	serverCmd.Flags().String("admin-addr", "", "Admin API address (overrides config)")
	serverCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serverCmd.Flags().String("storage", "", "Storage backend: bolt or file (overrides config)")
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if v, _ := cmd.Flags().GetString("listen-addr"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v, _ := cmd.Flags().GetString("admin-addr"); v != "" {
		cfg.Server.AdminAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("storage"); v != "" {
		cfg.Storage.Backend = v
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSONOutput,
	})

	eng := engine.New(cfg)
	if err := eng.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start engine: %v", err)
	}

	fmt.Println("✓ Engine started")
	fmt.Printf("  Robot listener: %s\n", eng.Addr())
	fmt.Printf("  Admin API:      %s\n", cfg.Server.AdminAddr)
	fmt.Printf("  Storage:        %s (%s)\n", cfg.Storage.Backend, cfg.Storage.DataDir)

	adminSrv := api.New(eng)
	errCh := make(chan error, 1)
	go func() {
		if err := adminSrv.Start(cfg.Server.AdminAddr); err != nil {
			errCh <- fmt.Errorf("admin API error: %v", err)
		}
	}()

	fmt.Println()
	fmt.Println("Server is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		fmt.Println("\nShutting down...")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
	}

	if err := adminSrv.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "admin API shutdown: %v\n", err)
	}
	if err := eng.Stop(); err != nil {
		return fmt.Errorf("failed to shutdown: %v", err)
	}

	fmt.Println("✓ Shutdown complete")
	return nil
}
