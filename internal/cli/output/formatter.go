// Package output formats CLI results as tables, JSON or YAML.
package output

import (
	"fmt"
	"os"
	"strings"
)

// EnvOutput overrides the default output format.
const EnvOutput = "FRPL_OUTPUT"

// Formatter renders CLI results. Implementations are stateless.
type Formatter interface {
	// Format renders a whole value, typically an API response.
	Format(data interface{}) (string, error)

	// FormatError renders a structured error.
	FormatError(err StructuredError) (string, error)

	// FormatTable renders rows under headers.
	FormatTable(headers []string, rows [][]string) (string, error)
}

// NewFormatter creates a formatter for table, json or yaml (case-insensitive).
func NewFormatter(format string) (Formatter, error) {
	switch strings.ToLower(format) {
	case "json":
		return &JSONFormatter{Indent: true}, nil
	case "yaml":
		return &YAMLFormatter{}, nil
	case "table", "":
		return &TableFormatter{Unicode: true}, nil
	default:
		return nil, fmt.Errorf("unknown output format: %s (valid: table, json, yaml)", format)
	}
}

// ResolveFormat picks the format: --json, then --output, then FRPL_OUTPUT,
// then table.
func ResolveFormat(outputFlag string, jsonFlag bool) string {
	if jsonFlag {
		return "json"
	}
	if outputFlag != "" {
		return outputFlag
	}
	if envFormat := os.Getenv(EnvOutput); envFormat != "" {
		return envFormat
	}
	return "table"
}

// rowsToRecords turns a table into one map per row.
func rowsToRecords(headers []string, rows [][]string) []map[string]string {
	result := make([]map[string]string, 0, len(rows))
	for _, row := range rows {
		obj := make(map[string]string, len(headers))
		for i, header := range headers {
			if i < len(row) {
				obj[header] = row[i]
			} else {
				obj[header] = ""
			}
		}
		result = append(result, obj)
	}
	return result
}
