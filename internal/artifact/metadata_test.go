package artifact

import (
	"strings"
	"testing"
)

func TestInspectMetadataCountsColumnsAndTests(t *testing.T) {
	doc := `models:
  - name: ODS_CUSTOMER
    columns:
      - name: ID
        tests:
          - unique
          - not_null
      - name: EMAIL
        data_tests:
          - not_null
    tests:
      - dbt_utils.unique_combination_of_columns:
          combination_of_columns: [ID, EMAIL]
`
	summary, warnings := InspectMetadata("ODS_CUSTOMER", doc)
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v", warnings)
	}
	if len(summary.Models) != 1 {
		t.Fatalf("Models = %+v", summary.Models)
	}
	model := summary.Models[0]
	if model.Name != "ODS_CUSTOMER" || model.Columns != 2 || model.Tests != 4 {
		t.Fatalf("model = %+v", model)
	}
}

func TestInspectMetadataWarnings(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{name: "invalid yaml", doc: "models:\n  - name: [unterminated", want: "not valid YAML"},
		{name: "no models", doc: "models:\n", want: "no models"},
		{name: "no columns", doc: "models:\n  - name: ODS_CUSTOMER\n", want: "lists no columns"},
		{name: "name mismatch", doc: "models:\n  - name: OTHER\n    columns:\n      - name: ID\n", want: "no model in metadata is named"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, warnings := InspectMetadata("ODS_CUSTOMER", tc.doc)
			found := false
			for _, warning := range warnings {
				if strings.Contains(warning, tc.want) {
					found = true
				}
			}
			if !found {
				t.Fatalf("warnings = %v, want one containing %q", warnings, tc.want)
			}
		})
	}
}
