package documents

import (
	"context"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanjhayes/skynet-rc1/cli/cmd"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/uc"
)

// View is the printable form of one document record.
type View struct {
	ID           string    `json:"id"                    yaml:"id"`
	Title        string    `json:"title,omitempty"       yaml:"title,omitempty"`
	Status       string    `json:"status"                yaml:"status"`
	MIMEType     string    `json:"mime_type,omitempty"   yaml:"mime_type,omitempty"`
	Chunks       int       `json:"chunks"                yaml:"chunks"`
	Indexed      int       `json:"indexed"               yaml:"indexed"`
	ModelVersion int64     `json:"model_version"         yaml:"model_version"`
	Attempts     int       `json:"attempts"              yaml:"attempts"`
	Error        string    `json:"error,omitempty"       yaml:"error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"            yaml:"updated_at"`
}

func toView(doc *knowledge.Document) View {
	return View{
		ID:           doc.ID,
		Title:        doc.Title,
		Status:       string(doc.Status),
		MIMEType:     doc.MIMEType,
		Chunks:       doc.ChunkCount,
		ModelVersion: doc.ModelVersion,
		Attempts:     doc.Attempts,
		Error:        doc.LastError,
		UpdatedAt:    doc.UpdatedAt,
	}
}

// Page is the printable result of a list.
type Page struct {
	Items []View `json:"items"          yaml:"items"`
	Next  string `json:"next,omitempty" yaml:"next,omitempty"`
	Total int    `json:"total"          yaml:"total"`
}

func (Page) Headers() []string {
	return []string{"ID", "TITLE", "STATUS", "CHUNKS", "MODEL", "UPDATED"}
}

func (p Page) Rows() [][]string {
	rows := make([][]string, 0, len(p.Items))
	for i := range p.Items {
		v := &p.Items[i]
		rows = append(rows, []string{
			v.ID,
			v.Title,
			v.Status,
			strconv.Itoa(v.Chunks),
			strconv.FormatInt(v.ModelVersion, 10),
			v.UpdatedAt.Format(time.RFC3339),
		})
	}
	return rows
}

// NewDocumentsCommand creates the documents command group
func NewDocumentsCommand() *cobra.Command {
	command := &cobra.Command{
		Use:     "documents",
		Aliases: []string{"docs"},
		Short:   "Inspect and remove ingested documents",
	}
	command.AddCommand(newStatusCommand(), newListCommand(), newDeleteCommand())
	return command
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show the ingestion state of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.ExecuteCommand(c, runStatus, args)
		},
	}
}

func runStatus(ctx context.Context, c *cobra.Command, rt *uc.Runtime, args []string) (any, error) {
	tenant, err := cmd.Tenant(c)
	if err != nil {
		return nil, err
	}
	out, err := uc.NewStatus(rt.Documents).Execute(ctx, &uc.StatusInput{Tenant: tenant, ID: args[0]})
	if err != nil {
		return nil, err
	}
	view := toView(out.Document)
	view.Indexed = out.Indexed
	return view, nil
}

func newListCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "list",
		Short: "List the documents of a tenant",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.ExecuteCommand(c, runList, args)
		},
	}
	command.Flags().String("status", "", "Only list documents in this state")
	command.Flags().String("after", "", "Resume after this document ID")
	command.Flags().Int("limit", uc.DefaultListLimit, "Maximum documents per page")
	return command
}

func runList(ctx context.Context, c *cobra.Command, rt *uc.Runtime, _ []string) (any, error) {
	tenant, err := cmd.Tenant(c)
	if err != nil {
		return nil, err
	}
	status, _ := c.Flags().GetString("status")
	after, _ := c.Flags().GetString("after")
	limit, _ := c.Flags().GetInt("limit")
	out, err := uc.NewList(rt.Documents).Execute(ctx, &uc.ListInput{
		Tenant: tenant,
		Status: knowledge.Status(status),
		After:  after,
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}
	page := Page{Items: make([]View, 0, len(out.Items)), Next: out.Next, Total: out.Total}
	for _, doc := range out.Items {
		page.Items = append(page.Items, toView(doc))
	}
	return page, nil
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a document with its chunks and vectors",
		Args:  cobra.ExactArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.ExecuteCommand(c, runDelete, args)
		},
	}
}

func runDelete(ctx context.Context, c *cobra.Command, rt *uc.Runtime, args []string) (any, error) {
	tenant, err := cmd.Tenant(c)
	if err != nil {
		return nil, err
	}
	if err := uc.NewDelete(rt.Pipeline).Execute(ctx, &uc.DeleteInput{Tenant: tenant, ID: args[0]}); err != nil {
		return nil, err
	}
	return map[string]any{"id": args[0], "deleted": true}, nil
}
