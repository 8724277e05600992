package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/pkg/logger"
)

const (
	MIMEPlain    = "text/plain"
	MIMEMarkdown = "text/markdown"
	MIMEPDF      = "application/pdf"
	MIMEDocx     = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MIMEOctet    = "application/octet-stream"

	DefaultMaxBytes = 32 << 20
)

// Result is the UTF-8 text of one source file.
type Result struct {
	Text     string
	MIMEType string
}

// Extractor turns raw file bytes into UTF-8 text.
type Extractor struct {
	maxBytes int
}

func New(maxBytes int) *Extractor {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Extractor{maxBytes: maxBytes}
}

// DetectMIME resolves the media type of data, trusting declared unless it is
// empty or generic.
func DetectMIME(data []byte, declared string) string {
	if mt := baseType(declared); mt != "" && mt != MIMEOctet {
		return mt
	}
	if len(data) == 0 {
		return MIMEOctet
	}
	mt := mimetype.Detect(data).String()
	if base := baseType(mt); base != MIMEOctet {
		return base
	}
	return baseType(http.DetectContentType(data))
}

func baseType(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(value)
	if err != nil {
		return strings.ToLower(value)
	}
	return mt
}

// Extract returns the text of data. Unknown media types fail with
// knowledge.ErrUnsupportedFormat and unreadable content with knowledge.ErrExtraction.
func (e *Extractor) Extract(ctx context.Context, data []byte, declared string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) > e.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", knowledge.ErrExtraction, len(data), e.maxBytes)
	}
	mt := DetectMIME(data, declared)
	var (
		text string
		err  error
	)
	switch {
	case mt == MIMEPDF:
		text, err = extractPDF(data)
	case mt == MIMEDocx:
		text, err = extractDocx(data)
	case strings.HasPrefix(mt, "text/"):
		text, err = decodeText(data, declared)
	default:
		return nil, fmt.Errorf("%w: %s", knowledge.ErrUnsupportedFormat, mt)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", knowledge.ErrExtraction, mt, err)
	}
	text = strings.TrimSpace(normalizeNewlines(text))
	logger.FromContext(ctx).Debug("Extracted document text", "mime", mt, "bytes", len(data), "chars", utf8.RuneCountInString(text))
	return &Result{Text: text, MIMEType: mt}, nil
}

func decodeText(data []byte, contentType string) (string, error) {
	if utf8.Valid(data) {
		return string(data), nil
	}
	enc, name, _ := charset.DetermineEncoding(data, contentType)
	decoded, err := io.ReadAll(transform.NewReader(bytes.NewReader(data), enc.NewDecoder()))
	if err != nil {
		return "", fmt.Errorf("transcode from %s: %w", name, err)
	}
	if !utf8.Valid(decoded) {
		return "", fmt.Errorf("transcoded result from %s is not valid utf-8", name)
	}
	return string(decoded), nil
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("copy pdf text: %w", err)
	}
	return buf.String(), nil
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}
