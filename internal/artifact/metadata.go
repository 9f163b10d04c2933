package artifact

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

type MetadataSummary struct {
	Models []ModelSummary `json:"models"`
}

type ModelSummary struct {
	Name    string `json:"name"`
	Columns int    `json:"columns"`
	Tests   int    `json:"tests"`
}

type metadataDocument struct {
	Models []metadataModel `yaml:"models"`
}

type metadataModel struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Columns     []metadataColumn `yaml:"columns"`
	Tests       []yaml.Node      `yaml:"tests"`
	DataTests   []yaml.Node      `yaml:"data_tests"`
}

type metadataColumn struct {
	Name      string      `yaml:"name"`
	Tests     []yaml.Node `yaml:"tests"`
	DataTests []yaml.Node `yaml:"data_tests"`
}

// InspectMetadata summarizes a generated metadata document. Problems are
// returned as warnings only; the document is delivered as the model wrote it.
func InspectMetadata(identifier, doc string) (MetadataSummary, []string) {
	var parsed metadataDocument
	if err := yaml.Unmarshal([]byte(doc), &parsed); err != nil {
		return MetadataSummary{}, []string{fmt.Sprintf("metadata is not valid YAML: %v", err)}
	}

	var warnings []string
	if len(parsed.Models) == 0 {
		warnings = append(warnings, "metadata declares no models")
	}

	summary := MetadataSummary{Models: make([]ModelSummary, 0, len(parsed.Models))}
	named := false
	for _, model := range parsed.Models {
		tests := len(model.Tests) + len(model.DataTests)
		for _, column := range model.Columns {
			tests += len(column.Tests) + len(column.DataTests)
		}
		summary.Models = append(summary.Models, ModelSummary{
			Name:    model.Name,
			Columns: len(model.Columns),
			Tests:   tests,
		})
		if strings.EqualFold(model.Name, identifier) {
			named = true
		}
		if len(model.Columns) == 0 {
			warnings = append(warnings, fmt.Sprintf("model %q lists no columns", model.Name))
		}
	}
	if len(parsed.Models) > 0 && identifier != "" && !named {
		warnings = append(warnings, fmt.Sprintf("no model in metadata is named %q", identifier))
	}
	return summary, warnings
}
