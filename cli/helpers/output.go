package helpers

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"
)

// Tabular is implemented by command results that render as a table.
type Tabular interface {
	Headers() []string
	Rows() [][]string
}

// OutputWriter handles different output formats
type OutputWriter struct {
	writer io.Writer
	format OutputFormat
}

// NewOutputWriter creates a new output writer
func NewOutputWriter(writer io.Writer, format OutputFormat) *OutputWriter {
	return &OutputWriter{writer: writer, format: format}
}

// WriteData writes data in the writer's format. Data that is not Tabular
// falls back to YAML in table mode.
func (ow *OutputWriter) WriteData(data any) error {
	switch ow.format {
	case OutputFormatJSON:
		return ow.writeJSON(data)
	case OutputFormatYAML:
		return ow.writeYAML(data)
	case OutputFormatTable:
		if t, ok := data.(Tabular); ok {
			return ow.writeTable(t)
		}
		return ow.writeYAML(data)
	default:
		return fmt.Errorf("unsupported output format: %s", ow.format)
	}
}

func (ow *OutputWriter) writeJSON(data any) error {
	encoder := json.NewEncoder(ow.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func (ow *OutputWriter) writeYAML(data any) error {
	encoder := yaml.NewEncoder(ow.writer)
	encoder.SetIndent(2)
	if err := encoder.Encode(data); err != nil {
		return err
	}
	return encoder.Close()
}

var headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
var cellStyle = lipgloss.NewStyle().Padding(0, 1)

func (ow *OutputWriter) writeTable(data Tabular) error {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(data.Headers()...).
		Rows(data.Rows()...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	_, err := fmt.Fprintln(ow.writer, t.Render())
	return err
}

var ciVars = []string{
	"CI",
	"GITHUB_ACTIONS",
	"GITLAB_CI",
	"CIRCLECI",
	"BUILDKITE",
	"JENKINS_URL",
	"TF_BUILD",
}

func isRunningInCI() bool {
	for _, v := range ciVars {
		if os.Getenv(v) != "" {
			return true
		}
	}
	return false
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// ParseFormat validates a --format value.
func ParseFormat(value string) (OutputFormat, error) {
	switch f := OutputFormat(strings.ToLower(strings.TrimSpace(value))); f {
	case "", OutputFormatAuto:
		return OutputFormatAuto, nil
	case OutputFormatJSON, OutputFormatYAML, OutputFormatTable:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (use auto, json, yaml or table)", value)
	}
}

// ResolveFormat turns auto into table for interactive terminals and JSON otherwise.
func ResolveFormat(format OutputFormat, out *os.File) OutputFormat {
	if format != OutputFormatAuto && format != "" {
		return format
	}
	if out == nil || isRunningInCI() || os.Getenv("NO_COLOR") != "" || !isTerminal(out) {
		return OutputFormatJSON
	}
	if term := os.Getenv("TERM"); term == "dumb" || term == "" {
		return OutputFormatJSON
	}
	return OutputFormatTable
}
