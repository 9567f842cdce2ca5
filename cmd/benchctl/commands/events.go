package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/benchfleet/benchfleet/pkg/observability"
)

// NewEventsCommand creates the events command
func NewEventsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent coordinator events",
		RunE:  runEvents,
	}
	cmd.Flags().StringSlice("type", nil, "Event types to include")
	cmd.Flags().StringSlice("severity", nil, "Severities to include (info, warning, error, critical)")
	cmd.Flags().String("actor", "", "Filter by actor ID")
	cmd.Flags().Duration("since", 0, "Only events newer than this, e.g. 15m")
	cmd.Flags().String("resource-type", "", "Filter by resource type (device, task, command, ...)")
	cmd.Flags().String("resource-id", "", "Filter by resource ID")
	cmd.Flags().Int("limit", 50, "Maximum number of events")
	return cmd
}

func runEvents(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	types, _ := cmd.Flags().GetStringSlice("type")
	resourceType, _ := cmd.Flags().GetString("resource-type")
	resourceID, _ := cmd.Flags().GetString("resource-id")
	limit, _ := cmd.Flags().GetInt("limit")
	severities, _ := cmd.Flags().GetStringSlice("severity")
	actor, _ := cmd.Flags().GetString("actor")
	since, _ := cmd.Flags().GetDuration("since")

	sinceParam := ""
	if since > 0 {
		sinceParam = time.Now().Add(-since).UTC().Format(time.RFC3339)
	}

	var events []observability.Event
	path := withQuery("/events", map[string]string{
		"type":          strings.Join(types, ","),
		"severity":      strings.Join(severities, ","),
		"actor_id":      actor,
		"since":         sinceParam,
		"resource_type": resourceType,
		"resource_id":   resourceID,
		"limit":         strconv.Itoa(limit),
	})
	if err := s.client.Get(path, &events); err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}
	return s.out.Render(events)
}
