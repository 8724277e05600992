package helpers

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
	"github.com/alanjhayes/skynet-rc1/engine/knowledge/uc"
)

type rowsFixture struct{}

func (rowsFixture) Headers() []string { return []string{"ID", "STATUS"} }
func (rowsFixture) Rows() [][]string  { return [][]string{{"doc-1", "indexed"}} }

func TestOutputWriter(t *testing.T) {
	t.Run("Should write indented JSON", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewOutputWriter(&buf, OutputFormatJSON).WriteData(map[string]int{"chunks": 2}))
		assert.JSONEq(t, `{"chunks": 2}`, buf.String())
	})
	t.Run("Should write YAML", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewOutputWriter(&buf, OutputFormatYAML).WriteData(map[string]int{"chunks": 2}))
		assert.Equal(t, "chunks: 2\n", buf.String())
	})
	t.Run("Should render tabular data as a table", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewOutputWriter(&buf, OutputFormatTable).WriteData(rowsFixture{}))
		assert.Contains(t, buf.String(), "doc-1")
		assert.Contains(t, buf.String(), "STATUS")
	})
	t.Run("Should fall back to YAML for non tabular data in table mode", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, NewOutputWriter(&buf, OutputFormatTable).WriteData(map[string]string{"a": "b"}))
		assert.Equal(t, "a: b\n", buf.String())
	})
	t.Run("Should reject unknown formats", func(t *testing.T) {
		assert.Error(t, NewOutputWriter(&bytes.Buffer{}, "xml").WriteData(1))
	})
}

func TestParseFormat(t *testing.T) {
	t.Run("Should accept known formats case insensitively", func(t *testing.T) {
		f, err := ParseFormat("JSON")
		require.NoError(t, err)
		assert.Equal(t, OutputFormatJSON, f)
		f, err = ParseFormat("")
		require.NoError(t, err)
		assert.Equal(t, OutputFormatAuto, f)
	})
	t.Run("Should reject unknown formats", func(t *testing.T) {
		_, err := ParseFormat("xml")
		assert.Error(t, err)
	})
	t.Run("Should keep explicit formats and resolve auto without a terminal", func(t *testing.T) {
		assert.Equal(t, OutputFormatYAML, ResolveFormat(OutputFormatYAML, nil))
		assert.Equal(t, OutputFormatJSON, ResolveFormat(OutputFormatAuto, nil))
	})
}

func TestCategorize(t *testing.T) {
	t.Run("Should map domain errors to codes", func(t *testing.T) {
		err := fmt.Errorf("load: %w", knowledge.ErrDocumentNotFound)
		cliErr := Categorize(err)
		assert.Equal(t, "NOT_FOUND", cliErr.Code)
		assert.ErrorIs(t, cliErr, knowledge.ErrDocumentNotFound)
		assert.Equal(t, "INVALID_INPUT", Categorize(uc.ErrTenantMissing).Code)
	})
	t.Run("Should report retrieval outages apart from store outages", func(t *testing.T) {
		err := fmt.Errorf("%w: %w", knowledge.ErrRetrievalUnavailable, knowledge.ErrStoreUnavailable)
		assert.Equal(t, "RETRIEVAL_UNAVAILABLE", Categorize(err).Code)
		assert.Equal(t, "STORE_UNAVAILABLE", Categorize(knowledge.ErrStoreUnavailable).Code)
	})
	t.Run("Should keep existing CLI errors", func(t *testing.T) {
		orig := NewCliError("MISSING_FLAG", "flag missing")
		assert.Same(t, orig, Categorize(orig))
	})
	t.Run("Should default to INTERNAL", func(t *testing.T) {
		assert.Equal(t, "INTERNAL", Categorize(errors.New("boom")).Code)
		assert.Nil(t, Categorize(nil))
	})
	t.Run("Should format errors as JSON", func(t *testing.T) {
		out := FormatError(knowledge.ErrEmptyCorpus, OutputFormatJSON)
		assert.Contains(t, out, `"code": "EMPTY_CORPUS"`)
	})
}
