package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/drover-io/drover/pkg/client"
	"github.com/drover-io/drover/pkg/log"
	"github.com/drover-io/drover/pkg/security"
)

var robotCmd = &cobra.Command{
	Use:   "robot",
	Short: "Run a robot worker agent",
	Long: `Connect to a Drover server as a robot worker and execute dispatched
jobs. Without a real executor wired in, jobs are simulated step by
step, which is useful for exercising a server.`,
	RunE: runRobot,
}

func init() {
	robotCmd.Flags().String("server", "localhost:9090", "Server robot listener address")
	robotCmd.Flags().String("id", "", "Robot ID (required)")
	robotCmd.Flags().String("name", "", "Robot display name (defaults to ID)")
	robotCmd.Flags().String("token", "", "Auth token")
	robotCmd.Flags().StringSlice("tags", nil, "Robot tags")
	robotCmd.Flags().StringSlice("capabilities", nil, "Robot capabilities")
	robotCmd.Flags().String("environment", "", "Robot environment")
	robotCmd.Flags().Int("max-jobs", 1, "Maximum concurrent jobs")
	robotCmd.Flags().Duration("heartbeat", 30*time.Second, "Heartbeat interval")
	robotCmd.Flags().String("signing-secret", "", "HMAC secret for signed sessions")
	robotCmd.Flags().String("log-level", "info", "Log level")
	_ = robotCmd.MarkFlagRequired("id")
}

func runRobot(cmd *cobra.Command, args []string) error {
	serverAddr, _ := cmd.Flags().GetString("server")
	robotID, _ := cmd.Flags().GetString("id")
	name, _ := cmd.Flags().GetString("name")
	token, _ := cmd.Flags().GetString("token")
	tags, _ := cmd.Flags().GetStringSlice("tags")
	capabilities, _ := cmd.Flags().GetStringSlice("capabilities")
	environment, _ := cmd.Flags().GetString("environment")
	maxJobs, _ := cmd.Flags().GetInt("max-jobs")
	heartbeat, _ := cmd.Flags().GetDuration("heartbeat")
	secret, _ := cmd.Flags().GetString("signing-secret")
	logLevel, _ := cmd.Flags().GetString("log-level")

	if name == "" {
		name = robotID
	}

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: true})

	var signer *security.Signer
	if secret != "" {
		signer = security.NewSigner([]byte(secret))
	}

	robot := client.New(client.Config{
		ServerAddr:        serverAddr,
		RobotID:           robotID,
		Name:              name,
		Token:             token,
		Capabilities:      capabilities,
		Tags:              tags,
		Environment:       environment,
		MaxJobs:           maxJobs,
		HeartbeatInterval: heartbeat,
		Signer:            signer,
	})

	fmt.Printf("Connecting to %s as %s...\n", serverAddr, robotID)
	if err := robot.Connect(context.Background()); err != nil {
		return fmt.Errorf("failed to connect: %v", err)
	}
	fmt.Printf("✓ Connected (session %s)\n", robot.SessionID())
	fmt.Println("Robot is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nDisconnecting...")
	if err := robot.Close(); err != nil {
		return fmt.Errorf("failed to disconnect: %v", err)
	}
	fmt.Println("✓ Disconnected")
	return nil
}
