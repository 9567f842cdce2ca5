package commands

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/benchfleet/benchfleet/pkg/api"
)

// NewCommandCommand creates the command command
func NewCommandCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "command",
		Short: "Send control commands to agents",
		Long:  "Queue control commands for a device and follow their outcome",
	}

	cmd.AddCommand(newCommandSendCommand())
	cmd.AddCommand(newCommandListCommand())
	cmd.AddCommand(&cobra.Command{
		Use:   "get COMMAND_ID",
		Short: "Get command details including its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(cmd)
			if err != nil {
				return err
			}
			var c api.ControlCommand
			if err := s.client.Get("/commands/"+url.PathEscape(args[0]), &c); err != nil {
				return fmt.Errorf("failed to get command: %w", err)
			}
			return s.out.Render(c)
		},
	})

	return cmd
}

func newCommandSendCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send DEVICE_ID COMMAND_TYPE",
		Short: "Queue a command for a device",
		Long: `Queue a command for a device. COMMAND_TYPE is one of start_benchmark,
stop_benchmark, run_script, collect_metrics, restart_agent, update_config,
install_software or uninstall_software.`,
		Args: cobra.ExactArgs(2),
		RunE: runCommandSend,
	}
	cmd.Flags().StringToString("param", nil, "Command parameter (key=value), repeatable")
	cmd.Flags().String("params-json", "", "Command parameters as a JSON object")
	cmd.Flags().String("software", "", "Target software code")
	cmd.Flags().Int("priority", 5, "Priority (1 is most urgent)")
	return cmd
}

// commandParams builds the params object; --params-json wins over --param
func commandParams(cmd *cobra.Command) (json.RawMessage, error) {
	if raw, _ := cmd.Flags().GetString("params-json"); raw != "" {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			return nil, fmt.Errorf("--params-json must be a JSON object: %w", err)
		}
		return json.RawMessage(raw), nil
	}
	kv, _ := cmd.Flags().GetStringToString("param")
	if len(kv) == 0 {
		return nil, nil
	}
	params := make(map[string]interface{}, len(kv))
	for k, v := range kv {
		if n, err := strconv.Atoi(v); err == nil {
			params[k] = n
			continue
		}
		params[k] = v
	}
	return json.Marshal(params)
}

func runCommandSend(cmd *cobra.Command, args []string) error {
	params, err := commandParams(cmd)
	if err != nil {
		return err
	}
	software, _ := cmd.Flags().GetString("software")
	priority, _ := cmd.Flags().GetInt("priority")

	req := api.CreateCommandRequest{
		DeviceID:       args[0],
		CommandType:    api.CommandType(args[1]),
		TargetSoftware: software,
		Params:         params,
		Priority:       priority,
		Source:         api.SourceManual,
		TriggeredBy:    "benchctl",
	}

	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	var c api.ControlCommand
	if err := s.client.Post("/commands", req, &c); err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}
	return s.out.Notice(c, "Command %s queued for %s", c.ID, c.DeviceID)
}

func newCommandListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List commands",
		RunE:  runCommandList,
	}
	cmd.Flags().String("device", "", "Filter by device ID")
	cmd.Flags().StringP("status", "s", "", "Filter by status")
	cmd.Flags().Int("limit", 50, "Maximum number of commands")
	return cmd
}

func runCommandList(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	device, _ := cmd.Flags().GetString("device")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	var list api.CommandList
	path := withQuery("/commands", map[string]string{
		"device_id": device,
		"status":    status,
		"limit":     strconv.Itoa(limit),
	})
	if err := s.client.Get(path, &list); err != nil {
		return fmt.Errorf("failed to list commands: %w", err)
	}
	return s.out.Render(list)
}
