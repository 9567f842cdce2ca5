package config

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// Format is a value of the --output flag
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat checks an --output value
func ParseFormat(s string) (Format, error) {
	switch f := Format(s); f {
	case FormatTable, FormatJSON, FormatYAML:
		return f, nil
	case "":
		return FormatTable, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table, json or yaml)", s)
	}
}

// Printer renders coordinator resources in one format
type Printer struct {
	format Format
	w      io.Writer
}

// NewPrinter returns a printer writing to w
func NewPrinter(format Format, w io.Writer) *Printer {
	return &Printer{format: format, w: w}
}

// Format returns the printer's format
func (p *Printer) Format() Format {
	return p.format
}

// Render writes v. In table format, resources with a column layout become a
// table and anything else is shown as YAML.
func (p *Printer) Render(v interface{}) error {
	switch p.format {
	case FormatJSON:
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case FormatYAML:
		return p.yaml(v)
	}

	view, ok := viewOf(v)
	if !ok {
		return p.yaml(detailOf(v))
	}
	return p.table(view)
}

// Notice prints a one-line confirmation in table format and the resource
// itself in the machine formats.
func (p *Printer) Notice(v interface{}, format string, args ...interface{}) error {
	if p.format != FormatTable {
		return p.Render(v)
	}
	_, err := fmt.Fprintf(p.w, format+"\n", args...)
	return err
}

func (p *Printer) table(view *tableView) error {
	t := tablewriter.NewWriter(p.w)
	header := make([]any, len(view.columns))
	for i, c := range view.columns {
		header[i] = c
	}
	t.Header(header...)
	for _, row := range view.rows {
		if err := t.Append(row); err != nil {
			return err
		}
	}
	if err := t.Render(); err != nil {
		return err
	}
	if view.footer != "" {
		_, err := fmt.Fprintf(p.w, "\n%s\n", view.footer)
		return err
	}
	return nil
}

func (p *Printer) yaml(v interface{}) error {
	enc := yaml.NewEncoder(p.w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
