package commands

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/benchfleet/benchfleet/cmd/benchctl/config"
)

// session bundles what every subcommand needs
type session struct {
	client *config.Client
	out    *config.Printer
}

func newSession(cmd *cobra.Command) (*session, error) {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	output, _ := cmd.Flags().GetString("output")
	format, err := config.ParseFormat(output)
	if err != nil {
		return nil, err
	}
	return &session{
		client: cfg.NewClient(),
		out:    config.NewPrinter(format, cmd.OutOrStdout()),
	}, nil
}

func withQuery(path string, params map[string]string) string {
	q := url.Values{}
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}
