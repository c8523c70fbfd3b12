package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/drover-io/drover/pkg/engine"
	"github.com/drover-io/drover/pkg/types"
)

func adminFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().String("admin", "localhost:9091", "Server admin API address")
}

func adminFrom(cmd *cobra.Command) *adminClient {
	addr, _ := cmd.Flags().GetString("admin")
	return newAdminClient(addr)
}

// Job commands
var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Manage jobs",
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit WORKFLOW",
	Short: "Submit a job for a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		robotID, _ := cmd.Flags().GetString("robot")
		priority, _ := cmd.Flags().GetString("priority")
		params, _ := cmd.Flags().GetStringToString("param")
		environment, _ := cmd.Flags().GetString("environment")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		at, _ := cmd.Flags().GetString("at")

		req := engine.SubmitRequest{
			WorkflowName: args[0],
			RobotID:      robotID,
			Priority:     parsePriority(priority),
			Params:       params,
			Environment:  environment,
		}
		if timeout > 0 {
			req.TimeoutMS = timeout.Milliseconds()
		}
		if at != "" {
			t, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("invalid --at time (want RFC3339): %v", err)
			}
			req.ScheduledAt = t
		}

		var job types.Job
		if err := adminFrom(cmd).post("/api/jobs", req, &job); err != nil {
			return err
		}
		fmt.Printf("✓ Job submitted: %s (status=%s, priority=%s)\n", job.ID, job.Status, job.Priority)
		return nil
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		var jobs []types.Job
		if err := adminFrom(cmd).get("/api/jobs", &jobs); err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs.")
			return nil
		}
		for _, j := range jobs {
			fmt.Printf("%s  %-9s  %-8s  %s", j.ID, j.Status, j.Priority, j.WorkflowName)
			if j.RobotName != "" {
				fmt.Printf("  on %s", j.RobotName)
			}
			fmt.Println()
		}
		return nil
	},
}

var jobGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show a job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var job json.RawMessage
		if err := adminFrom(cmd).get("/api/jobs/"+args[0], &job); err != nil {
			return err
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, job, "", "  "); err != nil {
			return err
		}
		fmt.Println(pretty.String())
		return nil
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := adminFrom(cmd).delete("/api/jobs/" + args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Job cancelled: %s\n", args[0])
		return nil
	},
}

func init() {
	adminFlag(jobCmd)
	jobCmd.AddCommand(jobSubmitCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobGetCmd)
	jobCmd.AddCommand(jobCancelCmd)

	jobSubmitCmd.Flags().String("robot", "", "Pin the job to one robot")
	jobSubmitCmd.Flags().String("priority", "normal", "Priority: low, normal, high or critical")
	jobSubmitCmd.Flags().StringToString("param", nil, "Job parameter (key=value, repeatable)")
	jobSubmitCmd.Flags().String("environment", "", "Target environment")
	jobSubmitCmd.Flags().Duration("timeout", 0, "Execution deadline (0 uses the server default)")
	jobSubmitCmd.Flags().String("at", "", "Run at a future RFC3339 time instead of now")
}

// Workflow commands
var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage workflows",
}

var workflowCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Register a workflow from a definition file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		definition, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read definition: %v", err)
		}
		if !json.Valid(definition) {
			return fmt.Errorf("definition is not valid JSON")
		}

		body := struct {
			Name       string          `json:"name"`
			Definition json.RawMessage `json:"definition"`
		}{Name: args[0], Definition: definition}

		var wf types.Workflow
		if err := adminFrom(cmd).post("/api/workflows", body, &wf); err != nil {
			return err
		}
		fmt.Printf("✓ Workflow created: %s (ID: %s)\n", wf.Name, wf.ID)
		return nil
	},
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	RunE: func(cmd *cobra.Command, args []string) error {
		var wfs []types.Workflow
		if err := adminFrom(cmd).get("/api/workflows", &wfs); err != nil {
			return err
		}
		if len(wfs) == 0 {
			fmt.Println("No workflows.")
			return nil
		}
		for _, wf := range wfs {
			fmt.Printf("%s  %s\n", wf.ID, wf.Name)
		}
		return nil
	},
}

func init() {
	adminFlag(workflowCmd)
	workflowCmd.AddCommand(workflowCreateCmd)
	workflowCmd.AddCommand(workflowListCmd)

	workflowCreateCmd.Flags().StringP("file", "f", "", "JSON definition file (required)")
	_ = workflowCreateCmd.MarkFlagRequired("file")
}

// Schedule commands
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage schedules",
}

var scheduleCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a schedule for a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		workflowID, _ := cmd.Flags().GetString("workflow")
		frequency, _ := cmd.Flags().GetString("frequency")
		cronExpr, _ := cmd.Flags().GetString("cron")
		timezone, _ := cmd.Flags().GetString("timezone")
		robotID, _ := cmd.Flags().GetString("robot")
		priority, _ := cmd.Flags().GetString("priority")
		at, _ := cmd.Flags().GetString("at")

		sched := types.Schedule{
			Name:           args[0],
			WorkflowID:     workflowID,
			RobotID:        robotID,
			Frequency:      types.ScheduleFrequency(frequency),
			CronExpression: cronExpr,
			Timezone:       timezone,
			Priority:       parsePriority(priority),
			Enabled:        true,
		}
		if at != "" {
			t, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("invalid --at time (want RFC3339): %v", err)
			}
			sched.RunAt = t
		}

		var created types.Schedule
		if err := adminFrom(cmd).post("/api/schedules", sched, &created); err != nil {
			return err
		}
		fmt.Printf("✓ Schedule created: %s (ID: %s, next run %s)\n",
			created.Name, created.ID, created.NextRun.Format(time.RFC3339))
		return nil
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		var schedules []types.Schedule
		if err := adminFrom(cmd).get("/api/schedules", &schedules); err != nil {
			return err
		}
		if len(schedules) == 0 {
			fmt.Println("No schedules.")
			return nil
		}
		for _, s := range schedules {
			state := "enabled"
			if !s.Enabled {
				state = "disabled"
			}
			next := "-"
			if !s.NextRun.IsZero() {
				next = s.NextRun.Format(time.RFC3339)
			}
			fmt.Printf("%s  %-8s  %-8s  next=%s  runs=%d  %s\n",
				s.ID, s.Frequency, state, next, s.RunCount, s.Name)
		}
		return nil
	},
}

var scheduleToggleCmd = &cobra.Command{
	Use:   "toggle ID [on|off]",
	Short: "Enable or disable a schedule",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		enabled := args[1] == "on"
		if !enabled && args[1] != "off" {
			return fmt.Errorf("state must be 'on' or 'off'")
		}
		err := adminFrom(cmd).post("/api/schedules/"+args[0]+"/toggle",
			map[string]bool{"enabled": enabled}, nil)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Schedule %s: %s\n", args[1], args[0])
		return nil
	},
}

func init() {
	adminFlag(scheduleCmd)
	scheduleCmd.AddCommand(scheduleCreateCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleToggleCmd)

	scheduleCreateCmd.Flags().String("workflow", "", "Workflow ID (required)")
	scheduleCreateCmd.Flags().String("frequency", "daily", "Frequency: once, hourly, daily, weekly, monthly or cron")
	scheduleCreateCmd.Flags().String("cron", "", "Cron expression (frequency=cron)")
	scheduleCreateCmd.Flags().String("timezone", "", "Timezone for cron schedules")
	scheduleCreateCmd.Flags().String("robot", "", "Pin scheduled jobs to one robot")
	scheduleCreateCmd.Flags().String("priority", "normal", "Job priority")
	scheduleCreateCmd.Flags().String("at", "", "Run time for one-shot schedules (RFC3339)")
	_ = scheduleCreateCmd.MarkFlagRequired("workflow")
}

// Status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show fleet status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := adminFrom(cmd)

		var dash types.DashboardMetrics
		if err := c.get("/api/status", &dash); err != nil {
			return err
		}
		var robots []types.Robot
		if err := c.get("/api/robots", &robots); err != nil {
			return err
		}

		fmt.Printf("Robots:    %d total, %d online\n", dash.TotalRobots, dash.OnlineRobots)
		fmt.Printf("Jobs:      %d total\n", dash.TotalJobs)
		for status, count := range dash.JobsByStatus {
			fmt.Printf("  %-10s %d\n", status, count)
		}
		fmt.Printf("Workflows: %d\n", dash.TotalWorkflows)
		fmt.Printf("Schedules: %d\n", dash.TotalSchedules)
		if dash.AvgDurationMS > 0 {
			fmt.Printf("Avg job duration: %s\n", time.Duration(dash.AvgDurationMS)*time.Millisecond)
		}

		if len(robots) > 0 {
			fmt.Println()
			for _, r := range robots {
				fmt.Printf("%s  %-8s  jobs=%d/%d  cpu=%.0f%%  mem=%.0f%%\n",
					r.ID, r.Status, r.CurrentJobs, r.MaxConcurrentJobs, r.CPUPercent, r.MemoryPercent)
			}
		}
		return nil
	},
}

// Token command
var tokenCmd = &cobra.Command{
	Use:   "token ROBOT_ID",
	Short: "Issue an auth token for a robot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scopes, _ := cmd.Flags().GetStringSlice("scopes")

		var tok struct {
			Token     string    `json:"token"`
			ExpiresAt time.Time `json:"expires_at"`
		}
		err := adminFrom(cmd).post("/api/tokens", map[string]any{
			"robot_id": args[0],
			"scopes":   scopes,
		}, &tok)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Token issued for %s (expires %s)\n", args[0], tok.ExpiresAt.Format(time.RFC3339))
		fmt.Println(tok.Token)
		return nil
	},
}

func init() {
	adminFlag(statusCmd)
	adminFlag(tokenCmd)
	tokenCmd.Flags().StringSlice("scopes", nil, "Token scopes")
}

func parsePriority(s string) types.JobPriority {
	switch s {
	case "low":
		return types.PriorityLow
	case "high":
		return types.PriorityHigh
	case "critical":
		return types.PriorityCritical
	default:
		return types.PriorityNormal
	}
}
