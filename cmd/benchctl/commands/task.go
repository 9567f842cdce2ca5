package commands

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/benchfleet/benchfleet/pkg/api"
)

// NewTaskCommand creates the task command
func NewTaskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage benchmark tasks",
		Long:  "Create, list, inspect, cancel and retry benchmark tasks",
	}

	cmd.AddCommand(newTaskCreateCommand())
	cmd.AddCommand(newTaskListCommand())
	cmd.AddCommand(newTaskGetCommand())
	cmd.AddCommand(newTaskActionCommand("cancel", "Cancel a pending, scheduled or running task"))
	cmd.AddCommand(newTaskActionCommand("retry", "Re-queue a failed or cancelled task"))
	cmd.AddCommand(newTaskExecutionsCommand())

	return cmd
}

func newTaskCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		Long: `Create a task from a YAML manifest (-f) or from flags. Flags override
fields read from the manifest.`,
		RunE: runTaskCreate,
	}

	cmd.Flags().StringP("file", "f", "", "YAML task manifest")
	cmd.Flags().String("name", "", "Task name")
	cmd.Flags().String("type", "benchmark", "Task type label")
	cmd.Flags().StringSlice("device", nil, "Target device IDs (default: every device)")
	cmd.Flags().String("schedule", "", "Schedule type (immediate, once, daily, weekly, cron)")
	cmd.Flags().String("at", "", "Scheduled time, RFC3339")
	cmd.Flags().String("cron", "", "Cron expression for cron schedules")
	cmd.Flags().StringSlice("software", nil, "Software codes the task needs")
	cmd.Flags().String("action", "", "Script action (benchmark, launch, wait)")
	cmd.Flags().String("benchmark", "", "Benchmark type for the benchmark action (cpu, memory, disk, full)")
	cmd.Flags().String("path", "", "Program path for the launch action")
	cmd.Flags().Int("duration", 0, "Test duration in seconds")
	cmd.Flags().Int("sample-interval", 0, "Sample interval in milliseconds")

	return cmd
}

// buildTaskRequest merges the manifest with explicitly set flags
func buildTaskRequest(cmd *cobra.Command) (api.CreateTaskRequest, error) {
	var req api.CreateTaskRequest

	if file, _ := cmd.Flags().GetString("file"); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return req, fmt.Errorf("failed to read manifest: %w", err)
		}
		if err := yaml.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("failed to parse manifest: %w", err)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("name") {
		req.TaskName, _ = flags.GetString("name")
	}
	if flags.Changed("type") || req.TaskType == "" {
		req.TaskType, _ = flags.GetString("type")
	}
	if flags.Changed("device") {
		req.TargetDeviceIDs, _ = flags.GetStringSlice("device")
	}
	if flags.Changed("schedule") {
		v, _ := flags.GetString("schedule")
		req.ScheduleType = api.ScheduleType(v)
	}
	if flags.Changed("at") {
		v, _ := flags.GetString("at")
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return req, fmt.Errorf("invalid --at: %w", err)
		}
		req.ScheduledAt = &at
	}
	if flags.Changed("cron") {
		req.CronExpression, _ = flags.GetString("cron")
	}
	if flags.Changed("software") {
		req.SoftwareList, _ = flags.GetStringSlice("software")
	}
	if flags.Changed("action") {
		v, _ := flags.GetString("action")
		req.Script.Action = api.ScriptAction(v)
	}
	if flags.Changed("benchmark") {
		v, _ := flags.GetString("benchmark")
		req.Script.BenchmarkType = api.BenchmarkType(v)
	}
	if flags.Changed("path") {
		req.Script.Path, _ = flags.GetString("path")
	}
	if flags.Changed("duration") {
		req.TestDurationSeconds, _ = flags.GetInt("duration")
	}
	if flags.Changed("sample-interval") {
		req.SampleIntervalMS, _ = flags.GetInt("sample-interval")
	}

	if strings.TrimSpace(req.TaskName) == "" {
		return req, fmt.Errorf("task name is required (--name or task_name in the manifest)")
	}
	return req, nil
}

func runTaskCreate(cmd *cobra.Command, args []string) error {
	req, err := buildTaskRequest(cmd)
	if err != nil {
		return err
	}
	s, err := newSession(cmd)
	if err != nil {
		return err
	}

	var task api.Task
	if err := s.client.Post("/tasks", req, &task); err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return s.out.Notice(task, "Task %s created (%s)", task.ID, task.Status)
}

func newTaskListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE:  runTaskList,
	}
	cmd.Flags().StringP("status", "s", "", "Filter by status")
	cmd.Flags().Int("page", 1, "Page number")
	cmd.Flags().Int("page-size", 20, "Page size")
	return cmd
}

func runTaskList(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	status, _ := cmd.Flags().GetString("status")
	page, _ := cmd.Flags().GetInt("page")
	pageSize, _ := cmd.Flags().GetInt("page-size")

	var list api.TaskList
	path := withQuery("/tasks", map[string]string{
		"status":    status,
		"page":      strconv.Itoa(page),
		"page_size": strconv.Itoa(pageSize),
	})
	if err := s.client.Get(path, &list); err != nil {
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	return s.out.Render(list)
}

func newTaskGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get TASK_ID",
		Short: "Get task details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			var task api.Task
			if err := s.client.Get("/tasks/"+url.PathEscape(args[0]), &task); err != nil {
				return fmt.Errorf("failed to get task: %w", err)
			}
			return s.out.Render(task)
		},
	}
}

func newTaskActionCommand(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " TASK_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			var task api.Task
			if err := s.client.Post("/tasks/"+url.PathEscape(args[0])+"/"+action, nil, &task); err != nil {
				return fmt.Errorf("failed to %s task: %w", action, err)
			}
			return s.out.Notice(task, "Task %s is %s", task.ID, task.Status)
		},
	}
}

func newTaskExecutionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "executions TASK_ID",
		Short: "List the executions of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			var execs []api.Execution
			if err := s.client.Get("/tasks/"+url.PathEscape(args[0])+"/executions", &execs); err != nil {
				return fmt.Errorf("failed to list executions: %w", err)
			}
			return s.out.Render(execs)
		},
	}
}
