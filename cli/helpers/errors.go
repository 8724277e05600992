package helpers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/ingest"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/uc"
)

// CliError represents a CLI-specific error with enhanced context
type CliError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   string         `json:"details,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	cause     error
}

func (e *CliError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CliError) Unwrap() error {
	return e.cause
}

// NewCliError creates a new CLI error with context
func NewCliError(code, message string, details ...string) *CliError {
	err := &CliError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

// WithContext adds context to the error
func (e *CliError) WithContext(key string, value any) *CliError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

var errorCodes = []struct {
	target  error
	code    string
	message string
}{
	{context.Canceled, "OPERATION_CANCELED", "Operation was canceled by user"},
	{context.DeadlineExceeded, "OPERATION_TIMEOUT", "Operation timed out"},
	{uc.ErrTenantMissing, "INVALID_INPUT", "Tenant is required"},
	{uc.ErrIDMissing, "INVALID_INPUT", "Document ID is required"},
	{uc.ErrQueryMissing, "INVALID_INPUT", "Query is required"},
	{uc.ErrSourceMissing, "INVALID_INPUT", "Nothing to ingest"},
	{uc.ErrInvalidInput, "INVALID_INPUT", "Invalid input"},
	{ingest.ErrQueueClosed, "QUEUE_CLOSED", "Ingestion queue is closed"},
	{knowledge.ErrDocumentNotFound, "NOT_FOUND", "Document not found"},
	{knowledge.ErrUnknownTenant, "UNKNOWN_TENANT", "Tenant has no document collection"},
	{knowledge.ErrModelNotFound, "NO_MODEL", "No vectorizer model has been fitted"},
	{knowledge.ErrEmptyCorpus, "EMPTY_CORPUS", "No indexed documents to fit on"},
	{knowledge.ErrInvalidConfiguration, "INVALID_CONFIG", "Invalid configuration"},
	{knowledge.ErrUnsupportedFormat, "UNSUPPORTED_FORMAT", "Document format is not supported"},
	{knowledge.ErrExtraction, "EXTRACTION_FAILED", "Text extraction failed"},
	{knowledge.ErrIncompatibleModelVersion, "MODEL_INCOMPATIBLE", "Stored model version is not compatible"},
	{knowledge.ErrRetrievalUnavailable, "RETRIEVAL_UNAVAILABLE", "Retrieval is unavailable"},
	{knowledge.ErrStoreUnavailable, "STORE_UNAVAILABLE", "Backing store is unavailable"},
	{knowledge.ErrDimensionMismatch, "DIMENSION_MISMATCH", "Vector dimension does not match the collection"},
	{knowledge.ErrGeneration, "GENERATION_FAILED", "Generation failed"},
}

// Categorize converts err into a structured CliError. Unknown errors map to INTERNAL.
func Categorize(err error) *CliError {
	if err == nil {
		return nil
	}
	var cliErr *CliError
	if errors.As(err, &cliErr) {
		return cliErr
	}
	for _, c := range errorCodes {
		if errors.Is(err, c.target) {
			out := NewCliError(c.code, c.message, err.Error())
			out.cause = err
			return out
		}
	}
	out := NewCliError("INTERNAL", "Command failed", err.Error())
	out.cause = err
	return out
}

var (
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	detailsStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// FormatError renders err for the given output format.
func FormatError(err error, format OutputFormat) string {
	cliErr := Categorize(err)
	if cliErr == nil {
		return ""
	}
	switch format {
	case OutputFormatJSON, OutputFormatYAML:
		data, mErr := json.MarshalIndent(map[string]any{
			"error":   cliErr.Message,
			"code":    cliErr.Code,
			"details": cliErr.Details,
		}, "", "  ")
		if mErr != nil {
			return `{"error": "JSON marshaling failed", "details": ""}`
		}
		return string(data)
	default:
		out := errorStyle.Render("Error: " + cliErr.Message)
		if cliErr.Details != "" {
			out += "\n" + detailsStyle.Render("  "+cliErr.Details)
		}
		return out
	}
}
