package vectorizer

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/alanjhayes/skynet-rc1/engine/knowledge"
)

// FormatVersion is the newest artifact layout this package reads and writes.
const FormatVersion = 1

// Encode serializes m. Equal models encode to identical bytes.
func Encode(m *Model) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("vectorizer: nil model")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("vectorizer: encode model: %w", err)
	}
	return data, nil
}

// Decode parses an artifact written by Encode.
func Decode(data []byte) (*Model, error) {
	var header struct {
		FormatVersion int `json:"format_version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("vectorizer: decode model header: %w", err)
	}
	if header.FormatVersion > FormatVersion {
		return nil, fmt.Errorf(
			"%w: artifact format %d, supported up to %d",
			knowledge.ErrIncompatibleModelVersion,
			header.FormatVersion,
			FormatVersion,
		)
	}
	if header.FormatVersion < 1 {
		return nil, fmt.Errorf("vectorizer: artifact has no format version")
	}
	var m Model
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("vectorizer: decode model: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	m.init()
	return &m, nil
}

func (m *Model) validate() error {
	if m.Dimension != len(m.Terms) || len(m.Terms) != len(m.IDF) {
		return fmt.Errorf(
			"vectorizer: corrupt model: dimension %d, %d terms, %d weights",
			m.Dimension, len(m.Terms), len(m.IDF),
		)
	}
	if !sort.StringsAreSorted(m.Terms) {
		return fmt.Errorf("vectorizer: corrupt model: vocabulary is not sorted")
	}
	if m.Fingerprint != m.fingerprint() {
		return fmt.Errorf("vectorizer: corrupt model: fingerprint mismatch")
	}
	return nil
}
