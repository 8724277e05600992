package ingest

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/alanjhayes/skynet-rc1/cli/cmd"
	"github.com/alanjhayes/skynet-rc1/cli/helpers"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/ingest"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/uc"
	"github.com/alanjhayes/skynet-rc1/pkg/logger"
)

// Row is the outcome of one ingested source.
type Row struct {
	Source     string `json:"source"               yaml:"source"`
	DocumentID string `json:"document_id"          yaml:"document_id"`
	Status     string `json:"status"               yaml:"status"`
	Chunks     int    `json:"chunks"               yaml:"chunks"`
	Embedded   int    `json:"embedded"             yaml:"embedded"`
	Removed    int    `json:"removed"              yaml:"removed"`
	Unchanged  bool   `json:"unchanged"            yaml:"unchanged"`
	Error      string `json:"error,omitempty"      yaml:"error,omitempty"`
}

type Rows []Row

func (Rows) Headers() []string {
	return []string{"SOURCE", "DOCUMENT", "STATUS", "CHUNKS", "EMBEDDED", "REMOVED", "ERROR"}
}

func (r Rows) Rows() [][]string {
	out := make([][]string, 0, len(r))
	for i := range r {
		row := &r[i]
		status := row.Status
		if row.Unchanged {
			status += " (unchanged)"
		}
		out = append(out, []string{
			row.Source,
			row.DocumentID,
			status,
			strconv.Itoa(row.Chunks),
			strconv.Itoa(row.Embedded),
			strconv.Itoa(row.Removed),
			row.Error,
		})
	}
	return out
}

// NewIngestCommand creates the ingest command
func NewIngestCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "ingest [files, globs or URLs...]",
		Short: "Chunk, embed, and index documents",
		Long: `Ingest documents into a tenant's knowledge base.

Arguments are doublestar globs resolved under --root, or http(s) URLs.
Use --text to ingest inline text, or "-" to read text from stdin.`,
		Example: `  skynet ingest --tenant acme "docs/**/*.md"
  skynet ingest --tenant acme https://example.com/handbook.pdf
  echo "The cat sat." | skynet ingest --tenant acme --id cats -`,
		RunE: func(c *cobra.Command, args []string) error {
			return cmd.ExecuteCommand(c, runIngest, args)
		},
	}
	command.Flags().String("root", ".", "Directory globs are resolved against")
	command.Flags().String("text", "", "Inline document text")
	command.Flags().String("id", "", "Document ID for inline or stdin text")
	command.Flags().String("title", "", "Document title for inline or stdin text")
	command.Flags().String("mime", "", "MIME type for inline or stdin text")
	command.Flags().Duration("fetch-timeout", 30*time.Second, "Timeout for fetching URLs")
	command.Flags().Bool("keep-going", false, "Continue with remaining sources after a failure")
	return command
}

func runIngest(ctx context.Context, c *cobra.Command, rt *uc.Runtime, args []string) (any, error) {
	tenant, err := cmd.Tenant(c)
	if err != nil {
		return nil, err
	}
	requests, err := collectRequests(ctx, c, tenant, args)
	if err != nil {
		return nil, err
	}
	if len(requests) == 0 {
		return nil, helpers.NewCliError("NO_SOURCES", "no documents matched", strings.Join(args, " "))
	}
	keepGoing, err := c.Flags().GetBool("keep-going")
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)
	useCase := uc.NewIngest(rt.Pipeline, nil)
	rows := make(Rows, 0, len(requests))
	for _, src := range requests {
		out, err := useCase.Execute(ctx, &uc.IngestInput{
			Tenant:     src.req.Tenant,
			DocumentID: src.req.DocumentID,
			Title:      src.req.Title,
			Text:       src.req.Text,
			Data:       src.req.Data,
			MIMEType:   src.req.MIMEType,
		})
		if err != nil {
			if !keepGoing {
				return nil, fmt.Errorf("ingest %s: %w", src.name, err)
			}
			log.Warn("Skipping failed source", "source", src.name, "error", err)
			rows = append(rows, Row{Source: src.name, DocumentID: src.req.DocumentID, Status: "failed", Error: err.Error()})
			continue
		}
		res := out.Result
		rows = append(rows, Row{
			Source:     src.name,
			DocumentID: out.DocumentID,
			Status:     string(res.Document.Status),
			Chunks:     res.Chunks,
			Embedded:   res.Embedded,
			Removed:    res.Removed,
			Unchanged:  res.Unchanged,
		})
	}
	return rows, nil
}

type source struct {
	name string
	req  *ingest.Request
}

func collectRequests(ctx context.Context, c *cobra.Command, tenant string, args []string) ([]source, error) {
	flags := c.Flags()
	text, _ := flags.GetString("text")
	id, _ := flags.GetString("id")
	title, _ := flags.GetString("title")
	mime, _ := flags.GetString("mime")
	root, _ := flags.GetString("root")
	timeout, _ := flags.GetDuration("fetch-timeout")
	var out []source
	if text != "" {
		out = append(out, source{name: "--text", req: &ingest.Request{
			Tenant: tenant, DocumentID: id, Title: title, Text: text, MIMEType: mime,
		}})
	}
	var patterns []string
	var client *resty.Client
	for _, arg := range args {
		switch {
		case arg == "-":
			data, err := io.ReadAll(c.InOrStdin())
			if err != nil {
				return nil, fmt.Errorf("read stdin: %w", err)
			}
			out = append(out, source{name: "stdin", req: &ingest.Request{
				Tenant: tenant, DocumentID: id, Title: title, Text: string(data), MIMEType: mime,
			}})
		case strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://"):
			if client == nil {
				client = resty.New().SetTimeout(timeout).SetRetryCount(2)
			}
			req, err := ingest.FetchURL(ctx, client, tenant, arg)
			if err != nil {
				return nil, err
			}
			out = append(out, source{name: arg, req: req})
		default:
			patterns = append(patterns, arg)
		}
	}
	if len(patterns) > 0 {
		reqs, err := ingest.FileSources(ctx, afero.NewOsFs(), root, tenant, patterns)
		if err != nil {
			return nil, err
		}
		for _, req := range reqs {
			out = append(out, source{name: req.Title, req: req})
		}
	}
	return out, nil
}
