package commands

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/benchfleet/benchfleet/cmd/benchctl/config"
	"github.com/benchfleet/benchfleet/pkg/api"
)

// NewSchedulerCommand creates the scheduler command
func NewSchedulerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Inspect and steer scheduled tasks",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show scheduler status",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			var status api.SchedulerStatus
			if err := s.client.Get("/scheduler/status", &status); err != nil {
				return fmt.Errorf("failed to get scheduler status: %w", err)
			}
			return s.out.Render(status)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "jobs",
		Short: "List scheduled jobs",
		RunE:  runJobList,
	})

	for _, op := range []struct{ verb, short string }{
		{"pause", "Pause a job"},
		{"resume", "Resume a paused job"},
		{"run", "Trigger a job now"},
	} {
		cmd.AddCommand(newJobActionCommand(op.verb, op.short))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "remove JOB_ID",
		Short: "Remove a job and cancel its task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			var resp api.StatusResponse
			if err := s.client.Delete("/scheduler/jobs/"+url.PathEscape(args[0]), &resp); err != nil {
				return fmt.Errorf("failed to remove job: %w", err)
			}
			return s.out.Notice(resp, "Job %s %s", args[0], resp.Status)
		},
	})

	return cmd
}

func runJobList(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	var jobs []api.Job
	if err := s.client.Get("/scheduler/jobs", &jobs); err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	return s.out.Render(jobs)
}

func newJobActionCommand(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " JOB_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			var job api.Job
			if err := s.client.Post("/scheduler/jobs/"+url.PathEscape(args[0])+"/"+verb, nil, &job); err != nil {
				return fmt.Errorf("failed to %s job: %w", verb, err)
			}
			return s.out.Notice(job, "Job %s: paused=%t next=%s", job.ID, job.Paused, config.Timestamp(job.NextRunTime))
		},
	}
}
