package schema

import (
	"io"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/dbtgen/dbtgen/internal/failure"
)

// FromParquet reads only the file footer; row groups are never decoded.
func FromParquet(name string, r io.ReaderAt, size int64) (Descriptor, error) {
	if size <= 0 {
		return Descriptor{}, failure.New(failure.KindInputValidation, "parquet file is empty")
	}
	file, err := parquet.OpenFile(r, size)
	if err != nil {
		return Descriptor{}, failure.Wrap(failure.KindInputValidation, "read parquet footer", err)
	}
	fields := file.Schema().Fields()
	if len(fields) == 0 {
		return Descriptor{}, failure.New(failure.KindInputValidation, "parquet file has no columns")
	}

	columns := make([]Column, 0, len(fields))
	for _, field := range fields {
		columns = append(columns, Column{
			Name:     field.Name(),
			DataType: parquetTypeName(field),
			Nullable: !field.Required(),
		})
	}
	return Descriptor{
		TableName:        name,
		Columns:          columns,
		NullabilityKnown: true,
		Source:           SourceParquet,
	}, nil
}

func parquetTypeName(field parquet.Field) string {
	switch {
	case field.Repeated():
		return "ARRAY"
	case !field.Leaf():
		return "OBJECT"
	}
	typeName := field.Type().String()
	if typeName == "" {
		return "UNKNOWN"
	}
	return strings.ToUpper(typeName)
}
