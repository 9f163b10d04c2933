// Package prompt assembles the instruction text sent to the model: a table
// header describing the input schema, optional user instructions, and the
// fixed dbt template.
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/dbtgen/dbtgen/internal/failure"
	"github.com/dbtgen/dbtgen/internal/schema"
)

//go:embed template.txt
var defaultTemplate string

const customInstructionPrefix = "Before Create a batch id and final table... "

// DefaultTemplate returns the built-in dbt script and model template.
func DefaultTemplate() string { return defaultTemplate }

type Options struct {
	// Template replaces the built-in template when non-empty.
	Template                  string
	MaxCustomInstructionBytes int
}

type Input struct {
	Descriptor         schema.Descriptor
	PrimaryKeys        []string
	NotNullColumns     []string
	CustomInstructions string
}

// LoadOptions reads a template override from templateFile when one is set.
func LoadOptions(templateFile string, maxCustomInstructionBytes int) (Options, error) {
	opts := Options{MaxCustomInstructionBytes: maxCustomInstructionBytes}
	if strings.TrimSpace(templateFile) == "" {
		return opts, nil
	}
	raw, err := os.ReadFile(templateFile)
	if err != nil {
		return Options{}, fmt.Errorf("read prompt template: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return Options{}, fmt.Errorf("prompt template %s is empty", templateFile)
	}
	opts.Template = string(raw)
	return opts, nil
}

// Resolve fills primary keys and not-null columns from the descriptor when the
// user supplied none and the descriptor knows them.
func Resolve(in Input) Input {
	if len(in.PrimaryKeys) == 0 && len(in.Descriptor.PrimaryKeys) > 0 {
		in.PrimaryKeys = append([]string(nil), in.Descriptor.PrimaryKeys...)
	}
	if len(in.NotNullColumns) == 0 {
		in.NotNullColumns = in.Descriptor.NotNullColumns()
	}
	return in
}

func Validate(in Input, opts Options) error {
	descriptor := in.Descriptor
	if descriptor.Structured() {
		if len(descriptor.Columns) == 0 {
			return failure.New(failure.KindInputValidation, "table has no columns")
		}
	} else if strings.TrimSpace(descriptor.Definition) == "" {
		return failure.New(failure.KindInputValidation, "a table definition file is required")
	}
	if len(in.PrimaryKeys) == 0 {
		return failure.New(failure.KindInputValidation, "primary keys are required")
	}
	if opts.MaxCustomInstructionBytes > 0 && len(in.CustomInstructions) > opts.MaxCustomInstructionBytes {
		return failure.Newf(failure.KindInputValidation, "custom instructions exceed %d bytes", opts.MaxCustomInstructionBytes)
	}
	return nil
}

// Build resolves and validates in, then concatenates header, instructions and
// template. Nothing is truncated.
func Build(in Input, opts Options) (string, error) {
	in = Resolve(in)
	if err := Validate(in, opts); err != nil {
		return "", err
	}

	var b strings.Builder
	primaryKeys := strings.Join(in.PrimaryKeys, ", ")
	notNull := strings.Join(in.NotNullColumns, ", ")
	if in.Descriptor.Structured() {
		fmt.Fprintf(&b, "# Snowflake Table: %s\nPrimary Key: %s\nNot Null Columns: %s\nColumns: %s\n\n",
			in.Descriptor.TableName, primaryKeys, notNull, strings.Join(in.Descriptor.ColumnNames(), ", "))
	} else {
		fmt.Fprintf(&b, "# Snowflake Table:\n\n%s\n\nPrimary Keys : %s\n\nNot Null Columns : %s\n\n",
			in.Descriptor.Definition, primaryKeys, notNull)
	}
	if instructions := strings.TrimSpace(in.CustomInstructions); instructions != "" {
		b.WriteString(customInstructionPrefix)
		b.WriteString(in.CustomInstructions)
		b.WriteString("\n\n")
	}
	template := opts.Template
	if template == "" {
		template = defaultTemplate
	}
	b.WriteString(template)
	return b.String(), nil
}
