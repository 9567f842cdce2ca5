package commands

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/benchfleet/benchfleet/pkg/api"
)

// NewDeviceCommand creates the device command
func NewDeviceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Inspect registered devices",
		Long:  "List and inspect the workstations registered with the coordinator",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List devices",
		RunE:  runDeviceList,
	}
	list.Flags().StringP("status", "s", "", "Filter by status (online, offline, testing, error)")

	cmd.AddCommand(list)
	cmd.AddCommand(&cobra.Command{
		Use:   "get DEVICE_ID",
		Short: "Get device details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			var device api.Device
			if err := s.client.Get("/devices/"+url.PathEscape(args[0]), &device); err != nil {
				return fmt.Errorf("failed to get device: %w", err)
			}
			return s.out.Render(device)
		},
	})

	return cmd
}

func runDeviceList(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	status, _ := cmd.Flags().GetString("status")

	var devices []api.Device
	if err := s.client.Get(withQuery("/devices", map[string]string{"status": status}), &devices); err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}

	return s.out.Render(devices)
}
