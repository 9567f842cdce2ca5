package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/benchfleet/benchfleet/pkg/api"
)

// NewSoftwareCommand creates the software command
func NewSoftwareCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "software",
		Short: "Manage the software catalog",
		Long:  "Register software descriptors and list the catalog agents provision from",
	}

	register := &cobra.Command{
		Use:   "register",
		Short: "Register or update a software descriptor from a YAML file",
		RunE:  runSoftwareRegister,
	}
	register.Flags().StringP("file", "f", "", "YAML descriptor")
	_ = register.MarkFlagRequired("file")

	list := &cobra.Command{
		Use:   "list",
		Short: "List catalog entries",
		RunE:  runSoftwareList,
	}
	list.Flags().Bool("active", false, "Only active entries")

	cmd.AddCommand(register, list)
	return cmd
}

func runSoftwareRegister(cmd *cobra.Command, args []string) error {
	file, _ := cmd.Flags().GetString("file")
	data, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read descriptor: %w", err)
	}
	desc := api.SoftwareDescriptor{IsActive: true}
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return fmt.Errorf("failed to parse descriptor: %w", err)
	}
	if desc.Code == "" {
		return fmt.Errorf("descriptor has no code")
	}

	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	var stored api.SoftwareDescriptor
	if err := s.client.Post("/software", desc, &stored); err != nil {
		return fmt.Errorf("failed to register software: %w", err)
	}
	return s.out.Notice(stored, "Software %s registered", stored.Code)
}

func runSoftwareList(cmd *cobra.Command, args []string) error {
	s, err := newSession(cmd)
	if err != nil {
		return err
	}
	active, _ := cmd.Flags().GetBool("active")
	path := "/software"
	if active {
		path = withQuery(path, map[string]string{"active": "true"})
	}

	var list []api.SoftwareDescriptor
	if err := s.client.Get(path, &list); err != nil {
		return fmt.Errorf("failed to list software: %w", err)
	}
	return s.out.Render(list)
}
