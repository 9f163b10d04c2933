package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dbtgen/dbtgen/internal/failure"
	"github.com/dbtgen/dbtgen/internal/schema"
)

func TestBuildUploadPrompt(t *testing.T) {
	in := Input{
		Descriptor:     schema.Descriptor{TableName: "orders", Definition: "CREATE TABLE ORDERS (ID NUMBER);", Source: schema.SourceUpload},
		PrimaryKeys:    []string{"ID"},
		NotNullColumns: []string{"ID", "CREATED_AT"},
	}
	got, err := Build(in, Options{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	header := "# Snowflake Table:\n\nCREATE TABLE ORDERS (ID NUMBER);\n\nPrimary Keys : ID\n\nNot Null Columns : ID, CREATED_AT\n\n"
	if !strings.HasPrefix(got, header) {
		t.Fatalf("prompt header = %q", got[:min(len(got), len(header)+20)])
	}
	if !strings.HasSuffix(got, DefaultTemplate()) {
		t.Fatal("prompt should end with the default template")
	}
	if strings.Contains(got, customInstructionPrefix) {
		t.Fatal("default prompt should not carry custom instructions")
	}
}

func TestBuildCatalogPromptUsesDiscoveredKeys(t *testing.T) {
	in := Input{
		Descriptor: schema.Descriptor{
			TableName: "CUSTOMER",
			Columns: []schema.Column{
				{Name: "CUSTOMER_ID", DataType: "NUMBER"},
				{Name: "EMAIL", DataType: "TEXT", Nullable: true},
			},
			PrimaryKeys:      []string{"CUSTOMER_ID"},
			NullabilityKnown: true,
			Source:           schema.SourceWarehouse,
		},
	}
	got, err := Build(in, Options{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	want := "# Snowflake Table: CUSTOMER\nPrimary Key: CUSTOMER_ID\nNot Null Columns: CUSTOMER_ID\nColumns: CUSTOMER_ID, EMAIL\n\n"
	if !strings.HasPrefix(got, want) {
		t.Fatalf("prompt = %q", got[:len(want)])
	}
}

func TestBuildUserKeysOverrideDiscovered(t *testing.T) {
	in := Input{
		Descriptor: schema.Descriptor{
			TableName:   "CUSTOMER",
			Columns:     []schema.Column{{Name: "A"}, {Name: "B"}},
			PrimaryKeys: []string{"A"},
			Source:      schema.SourceWarehouse,
		},
		PrimaryKeys:    []string{"B"},
		NotNullColumns: []string{"A"},
	}
	got, err := Build(in, Options{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !strings.Contains(got, "Primary Key: B\nNot Null Columns: A\n") {
		t.Fatalf("prompt = %q", got)
	}
}

func TestBuildCustomInstructions(t *testing.T) {
	in := Input{
		Descriptor:         schema.Descriptor{Definition: "create table t (id int)", Source: schema.SourceUpload},
		PrimaryKeys:        []string{"id"},
		CustomInstructions: "Mask the EMAIL column.",
	}
	got, err := Build(in, Options{Template: "TEMPLATE", MaxCustomInstructionBytes: 100})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !strings.HasSuffix(got, "Not Null Columns : \n\nBefore Create a batch id and final table... Mask the EMAIL column.\n\nTEMPLATE") {
		t.Fatalf("prompt = %q", got)
	}
}

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name string
		in   Input
		opts Options
	}{
		{name: "missing definition", in: Input{Descriptor: schema.Descriptor{Source: schema.SourceUpload}, PrimaryKeys: []string{"id"}}},
		{name: "missing primary keys", in: Input{Descriptor: schema.Descriptor{Definition: "x", Source: schema.SourceUpload}}},
		{name: "no columns", in: Input{Descriptor: schema.Descriptor{TableName: "t", Source: schema.SourceWarehouse}, PrimaryKeys: []string{"id"}}},
		{
			name: "instructions too long",
			in:   Input{Descriptor: schema.Descriptor{Definition: "x", Source: schema.SourceUpload}, PrimaryKeys: []string{"id"}, CustomInstructions: strings.Repeat("a", 11)},
			opts: Options{MaxCustomInstructionBytes: 10},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(tc.in, tc.opts)
			if !failure.Is(err, failure.KindInputValidation) {
				t.Fatalf("Build() error = %v, want input validation", err)
			}
		})
	}
}

func TestDefaultTemplateContent(t *testing.T) {
	template := DefaultTemplate()
	for _, want := range []string{"DBT Script Template", "models:", "generate_surrogate_key", "Do not return any content"} {
		if !strings.Contains(template, want) {
			t.Fatalf("default template missing %q", want)
		}
	}
}

func TestLoadOptions(t *testing.T) {
	opts, err := LoadOptions("", 50)
	if err != nil {
		t.Fatalf("LoadOptions() error = %v", err)
	}
	if opts.Template != "" || opts.MaxCustomInstructionBytes != 50 {
		t.Fatalf("opts = %+v", opts)
	}

	path := filepath.Join(t.TempDir(), "template.txt")
	if err := os.WriteFile(path, []byte("custom template"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	opts, err = LoadOptions(path, 0)
	if err != nil {
		t.Fatalf("LoadOptions() error = %v", err)
	}
	if opts.Template != "custom template" {
		t.Fatalf("Template = %q", opts.Template)
	}

	if _, err := LoadOptions(filepath.Join(t.TempDir(), "missing.txt"), 0); err == nil {
		t.Fatal("LoadOptions() expected error for missing file")
	}
}
