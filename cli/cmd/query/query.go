package query

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alanjhayes/skynet-rc1/cli/cmd"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/uc"
)

// Result is the printable outcome of a query.
type Result struct {
	Tenant       string                   `json:"tenant"                yaml:"tenant"`
	Query        string                   `json:"query"                 yaml:"query"`
	ModelVersion int64                    `json:"model_version"         yaml:"model_version"`
	Entries      []knowledge.ContextEntry `json:"entries"               yaml:"entries"`
	Context      string                   `json:"context"               yaml:"context"`
	Prompt       string                   `json:"prompt,omitempty"      yaml:"prompt,omitempty"`
}

func (Result) Headers() []string {
	return []string{"#", "SCORE", "DOCUMENT", "TITLE", "TEXT"}
}

func (r Result) Rows() [][]string {
	rows := make([][]string, 0, len(r.Entries))
	for i := range r.Entries {
		e := &r.Entries[i]
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			strconv.FormatFloat(e.Score, 'f', 4, 64),
			e.DocumentID,
			e.Title,
			preview(e.Text, 80),
		})
	}
	return rows
}

func preview(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-3]) + "..."
}

// NewQueryCommand creates the query command
func NewQueryCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "query <question>",
		Short: "Retrieve the most relevant chunks for a question",
		Example: `  skynet query --tenant acme "Where did the cat sit?"
  skynet query --tenant acme --max-results 3 --prompt "refund policy"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.ExecuteCommand(c, runQuery, args)
		},
	}
	command.Flags().Int("max-results", 0, "Maximum number of chunks (0 uses the configured value)")
	command.Flags().Int("max-chars", 0, "Character budget of the assembled context (0 uses the configured value)")
	command.Flags().Float64("min-score", 0, "Minimum similarity score a chunk must reach")
	command.Flags().StringToString("filter", nil, "Metadata filters as key=value pairs")
	command.Flags().Bool("prompt", false, "Include the rendered generation prompt")
	command.Flags().String("template", "", "Prompt template file using {{.context}} and {{.question}}")
	return command
}

func runQuery(ctx context.Context, c *cobra.Command, rt *uc.Runtime, args []string) (any, error) {
	tenant, err := cmd.Tenant(c)
	if err != nil {
		return nil, err
	}
	flags := c.Flags()
	in := &uc.QueryInput{
		Tenant: tenant,
		Query:  strings.Join(args, " "),
	}
	in.MaxResults, _ = flags.GetInt("max-results")
	in.MaxContextChars, _ = flags.GetInt("max-chars")
	in.Filters, _ = flags.GetStringToString("filter")
	if flags.Changed("min-score") {
		score, _ := flags.GetFloat64("min-score")
		in.MinScore = &score
	}
	if path, _ := flags.GetString("template"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read prompt template: %w", err)
		}
		in.Template = string(data)
	}
	out, err := uc.NewQuery(rt.Retriever).Execute(ctx, in)
	if err != nil {
		return nil, err
	}
	res := Result{
		Tenant:       out.Context.Tenant,
		Query:        in.Query,
		ModelVersion: out.Context.ModelVersion,
		Entries:      out.Context.Entries,
		Context:      out.Context.Render(),
	}
	if withPrompt, _ := flags.GetBool("prompt"); withPrompt {
		res.Prompt = out.Prompt
	}
	return res, nil
}
