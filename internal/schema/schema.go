// Package schema describes the table a generation request is about, whatever
// the table came from: an uploaded DDL script, a live warehouse catalog or a
// Parquet file footer.
package schema

import (
	"bytes"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/dbtgen/dbtgen/internal/failure"
)

type Source string

const (
	SourceUpload    Source = "upload"
	SourceWarehouse Source = "warehouse"
	SourceParquet   Source = "parquet"
)

type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

// Descriptor is either a verbatim definition text (uploads) or a structured
// column list (warehouse and parquet sources).
type Descriptor struct {
	TableName        string   `json:"table_name"`
	Columns          []Column `json:"columns,omitempty"`
	PrimaryKeys      []string `json:"primary_keys,omitempty"`
	Definition       string   `json:"definition,omitempty"`
	NullabilityKnown bool     `json:"nullability_known"`
	Source           Source   `json:"source"`
}

// Structured reports whether the descriptor carries a column list instead of
// raw definition text.
func (d Descriptor) Structured() bool {
	return d.Source != SourceUpload
}

func (d Descriptor) ColumnNames() []string {
	names := make([]string, 0, len(d.Columns))
	for _, column := range d.Columns {
		names = append(names, column.Name)
	}
	return names
}

// NotNullColumns lists columns known to be non-nullable. It is empty when
// nullability is unknown.
func (d Descriptor) NotNullColumns() []string {
	if !d.NullabilityKnown {
		return nil
	}
	out := make([]string, 0, len(d.Columns))
	for _, column := range d.Columns {
		if !column.Nullable {
			out = append(out, column.Name)
		}
	}
	return out
}

// FromUpload returns the uploaded text verbatim as the table definition. The
// text is not parsed.
func FromUpload(filename string, raw []byte) (Descriptor, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return Descriptor{}, failure.New(failure.KindInputValidation, "uploaded file is empty")
	}
	if !utf8.Valid(raw) {
		return Descriptor{}, failure.Newf(failure.KindInputValidation, "uploaded file %q is not valid UTF-8 text", filepath.Base(filename))
	}
	return Descriptor{
		TableName:  TableNameFromFile(filename),
		Definition: string(raw),
		Source:     SourceUpload,
	}, nil
}

// Decode picks the decoder by file extension: .parquet files are read for
// their schema, everything else is treated as definition text.
func Decode(filename string, raw []byte) (Descriptor, error) {
	if strings.EqualFold(filepath.Ext(filename), ".parquet") {
		return FromParquet(TableNameFromFile(filename), bytes.NewReader(raw), int64(len(raw)))
	}
	return FromUpload(filename, raw)
}

func TableNameFromFile(filename string) string {
	base := filepath.Base(strings.TrimSpace(filename))
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// SplitList turns comma-separated free text into trimmed, non-empty items.
func SplitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
