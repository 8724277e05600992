package ingest

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-resty/resty/v2"
	"github.com/gosimple/slug"
	"github.com/spf13/afero"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/extract"
	"github.com/alanjhayes/skynet-rc1/pkg/logger"
)

var extensionTypes = map[string]string{
	".txt":      extract.MIMEPlain,
	".text":     extract.MIMEPlain,
	".md":       extract.MIMEMarkdown,
	".markdown": extract.MIMEMarkdown,
	".pdf":      extract.MIMEPDF,
	".docx":     extract.MIMEDocx,
}

// SourceID derives a stable document ID from a file path or URL, so
// re-ingesting the same source updates the same document.
func SourceID(source string) string {
	return slug.Make(source)
}

// FileSources expands doublestar patterns relative to root into ingest
// requests for tenant. Matches cannot escape root. Directories are skipped.
func FileSources(
	ctx context.Context,
	fsys afero.Fs,
	root string,
	tenant string,
	patterns []string,
) ([]*Request, error) {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	base := afero.NewBasePathFs(fsys, filepath.Clean(root))
	iofs := afero.NewIOFS(base)
	log := logger.FromContext(ctx)
	seen := make(map[string]struct{})
	var out []*Request
	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(filepath.ToSlash(strings.TrimSpace(pattern)), "./")
		if pattern == "" {
			continue
		}
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("%w: invalid glob %q", knowledge.ErrInvalidConfiguration, pattern)
		}
		matches, err := doublestar.Glob(iofs, pattern)
		if err != nil {
			return nil, fmt.Errorf("ingest: glob %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			log.Warn("Ingestion glob returned no files", "pattern", pattern)
			continue
		}
		sort.Strings(matches)
		for _, rel := range matches {
			if _, dup := seen[rel]; dup {
				continue
			}
			info, err := base.Stat(rel)
			if err != nil {
				return nil, fmt.Errorf("ingest: stat %q: %w", rel, err)
			}
			if info.IsDir() {
				continue
			}
			data, err := afero.ReadFile(base, rel)
			if err != nil {
				return nil, fmt.Errorf("ingest: read %q: %w", rel, err)
			}
			seen[rel] = struct{}{}
			out = append(out, &Request{
				Tenant:     tenant,
				DocumentID: SourceID(rel),
				Title:      path.Base(rel),
				Data:       data,
				MIMEType:   extensionTypes[strings.ToLower(path.Ext(rel))],
			})
		}
	}
	return out, nil
}

// FetchURL downloads rawURL into an ingest request for tenant.
func FetchURL(ctx context.Context, client *resty.Client, tenant, rawURL string) (*Request, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: invalid source url %q", knowledge.ErrInvalidConfiguration, rawURL)
	}
	if client == nil {
		client = resty.New()
	}
	resp, err := client.R().SetContext(ctx).Get(parsed.String())
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %w", knowledge.ErrExtraction, parsed.Redacted(), err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: fetch %s: status %d", knowledge.ErrExtraction, parsed.Redacted(), resp.StatusCode())
	}
	title := path.Base(parsed.Path)
	if title == "/" || title == "." || title == "" {
		title = parsed.Host
	}
	mimeType := resp.Header().Get("Content-Type")
	if ext := extensionTypes[strings.ToLower(path.Ext(parsed.Path))]; ext != "" &&
		(mimeType == "" || strings.HasPrefix(mimeType, extract.MIMEOctet)) {
		mimeType = ext
	}
	return &Request{
		Tenant:     tenant,
		DocumentID: SourceID(parsed.Host + parsed.Path),
		Title:      title,
		Data:       resp.Body(),
		MIMEType:   mimeType,
	}, nil
}
