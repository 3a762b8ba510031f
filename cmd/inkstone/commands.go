package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/status")
		if err != nil {
			return err
		}
		var st struct {
			Running     bool    `json:"running"`
			Enabled     bool    `json:"enabled"`
			QueueLength int     `json:"queue_length"`
			TodayCount  int     `json:"today_count"`
			Total       int     `json:"total_operations"`
			SuccessRate float64 `json:"success_rate"`
			Current     *struct {
				ID   string `json:"id"`
				Type string `json:"type"`
			} `json:"current_operation"`
			Health struct {
				Healthy    bool    `json:"healthy"`
				CPUPercent float64 `json:"cpu_percent"`
				MemoryMB   float64 `json:"memory_mb"`
			} `json:"health"`
		}
		if err := decodeData(resp, &st); err != nil {
			return err
		}

		printStatus("Running", "%v", st.Running)
		printStatus("Autonomous mode", "%v", st.Enabled)
		printStatus("Queue length", "%d", st.QueueLength)
		printStatus("Operations today", "%d", st.TodayCount)
		printStatus("Operations total", "%d", st.Total)
		printStatus("Success rate", "%.0f%%", st.SuccessRate*100)
		printStatus("Healthy", "%v (cpu %.1f%%, mem %.0f MB)",
			st.Health.Healthy, st.Health.CPUPercent, st.Health.MemoryMB)
		if st.Current != nil {
			printStatus("In flight", "%s (%s)", st.Current.ID, st.Current.Type)
		}
		return nil
	},
}

// --- start / stop ---

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scheduler loop on a running engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/start", nil)
		if err != nil {
			return err
		}
		if err := decodeData(resp, nil); err != nil {
			return err
		}
		printSuccess("Scheduler running")
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the scheduler loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/stop", nil)
		if err != nil {
			return err
		}
		if err := decodeData(resp, nil); err != nil {
			return err
		}
		printSuccess("Scheduler stopped")
		return nil
	},
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue a generation request ahead of autonomous work",
	Long: `Queue a generation request ahead of autonomous work.

Examples:
  inkstone queue --type chapter
  inkstone queue --type worldnote --project 4f9d3b8a-...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		contentType, _ := cmd.Flags().GetString("type")
		project, _ := cmd.Flags().GetString("project")
		if contentType == "" {
			return fmt.Errorf("--type is required")
		}

		req := map[string]any{"type": contentType}
		if project != "" {
			req["project_id"] = project
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/api/operations", req)
		if err != nil {
			return err
		}
		var result struct {
			OperationID string `json:"operation_id"`
		}
		if err := decodeData(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued operation %s", result.OperationID)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <operation-id>",
	Short: "Cancel a queued operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/api/operations/"+args[0])
		if err != nil {
			return err
		}
		if err := decodeData(resp, nil); err != nil {
			return err
		}
		printSuccess("Cancelled %s", args[0])
		return nil
	},
}

// --- logs ---

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show the activity log",
	RunE: func(cmd *cobra.Command, args []string) error {
		level, _ := cmd.Flags().GetString("level")
		limit, _ := cmd.Flags().GetInt("limit")
		opID, _ := cmd.Flags().GetString("operation")

		path := "/api/logs?limit=" + strconv.Itoa(limit)
		if level != "" {
			path += "&level=" + level
		}
		if opID != "" {
			path += "&operation_id=" + opID
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var result struct {
			Logs []struct {
				Timestamp   time.Time `json:"timestamp"`
				Level       string    `json:"level"`
				Message     string    `json:"message"`
				OperationID *string   `json:"operation_id"`
			} `json:"logs"`
		}
		if err := decodeData(resp, &result); err != nil {
			return err
		}
		if len(result.Logs) == 0 {
			printWarning("No log entries")
			return nil
		}
		for _, e := range result.Logs {
			op := ""
			if e.OperationID != nil {
				op = " op=" + *e.OperationID
			}
			fmt.Fprintf(os.Stdout, "%s  %-5s %s%s\n",
				e.Timestamp.Format(time.RFC3339), e.Level, e.Message, op)
		}
		return nil
	},
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the autonomous configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/api/config")
		if err != nil {
			return err
		}
		var cfg json.RawMessage
		if err := decodeData(resp, &cfg); err != nil {
			return err
		}
		var pretty map[string]any
		if err := json.Unmarshal(cfg, &pretty); err != nil {
			return err
		}
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Fprintln(os.Stdout, string(out))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update configuration fields",
	Long: `Update configuration fields.

Examples:
  inkstone config set --enabled=true --interval 15
  inkstone config set --max-daily 10 --quality-threshold 75`,
	RunE: func(cmd *cobra.Command, args []string) error {
		patch := map[string]any{}
		if cmd.Flags().Changed("enabled") {
			v, _ := cmd.Flags().GetBool("enabled")
			patch["enabled"] = v
		}
		if cmd.Flags().Changed("interval") {
			v, _ := cmd.Flags().GetInt("interval")
			patch["interval_minutes"] = v
		}
		if cmd.Flags().Changed("max-daily") {
			v, _ := cmd.Flags().GetInt("max-daily")
			patch["max_daily_operations"] = v
		}
		if cmd.Flags().Changed("quality-threshold") {
			v, _ := cmd.Flags().GetFloat64("quality-threshold")
			patch["quality_threshold"] = v
		}
		if len(patch) == 0 {
			return fmt.Errorf("nothing to update")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/api/config", patch)
		if err != nil {
			return err
		}
		if err := decodeData(resp, nil); err != nil {
			return err
		}
		printSuccess("Configuration updated")
		return nil
	},
}

func init() {
	queueCmd.Flags().String("type", "", "content type (chapter, scene, character, worldnote, outline)")
	queueCmd.Flags().String("project", "", "project id to attach the result to")

	logsCmd.Flags().String("level", "", "filter by level (info, warn, error)")
	logsCmd.Flags().Int("limit", 50, "maximum entries")
	logsCmd.Flags().String("operation", "", "filter by operation id")

	configSetCmd.Flags().Bool("enabled", false, "enable or disable autonomous mode")
	configSetCmd.Flags().Int("interval", 0, "tick interval in minutes")
	configSetCmd.Flags().Int("max-daily", 0, "daily operation quota")
	configSetCmd.Flags().Float64("quality-threshold", 0, "minimum score to save content")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
