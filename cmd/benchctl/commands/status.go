package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/benchfleet/benchfleet/pkg/api"
)

// NewStatusCommand creates the status command
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show coordinator settings and the online fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			var status api.FleetStatus
			if err := s.client.Get("/status", &status); err != nil {
				return fmt.Errorf("failed to get fleet status: %w", err)
			}
			return s.out.Render(status)
		},
	}
}
