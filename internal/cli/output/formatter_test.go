package output

import (
	"encoding/json"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestNewFormatter(t *testing.T) {
	tests := []struct {
		format  string
		want    string
		wantErr bool
	}{
		{"json", "*output.JSONFormatter", false},
		{"JSON", "*output.JSONFormatter", false},
		{"yaml", "*output.YAMLFormatter", false},
		{"table", "*output.TableFormatter", false},
		{"", "*output.TableFormatter", false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			f, err := NewFormatter(tt.format)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewFormatter(%q) error = %v, wantErr %v", tt.format, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got := typeName(f); got != tt.want {
				t.Errorf("NewFormatter(%q) = %s, want %s", tt.format, got, tt.want)
			}
		})
	}
}

func typeName(f Formatter) string {
	switch f.(type) {
	case *JSONFormatter:
		return "*output.JSONFormatter"
	case *YAMLFormatter:
		return "*output.YAMLFormatter"
	case *TableFormatter:
		return "*output.TableFormatter"
	}
	return "unknown"
}

func TestResolveFormat(t *testing.T) {
	t.Setenv(EnvOutput, "")
	if got := ResolveFormat("", false); got != "table" {
		t.Errorf("default = %q, want table", got)
	}
	if got := ResolveFormat("yaml", true); got != "json" {
		t.Errorf("--json should win, got %q", got)
	}

	t.Setenv(EnvOutput, "yaml")
	if got := ResolveFormat("", false); got != "yaml" {
		t.Errorf("env = %q, want yaml", got)
	}
	if got := ResolveFormat("table", false); got != "table" {
		t.Errorf("flag should beat env, got %q", got)
	}
}

func TestStructuredFormattersRenderTables(t *testing.T) {
	headers := []string{"KEY", "NAME"}
	rows := [][]string{{"api_7", "网站"}, {"custom_1"}}

	out, err := (&JSONFormatter{}).FormatTable(headers, rows)
	if err != nil {
		t.Fatal(err)
	}
	var records []map[string]string
	if err := json.Unmarshal([]byte(out), &records); err != nil {
		t.Fatalf("invalid JSON %q: %v", out, err)
	}
	if len(records) != 2 || records[0]["NAME"] != "网站" || records[1]["NAME"] != "" {
		t.Errorf("unexpected records %v", records)
	}

	out, err = (&YAMLFormatter{}).FormatTable(headers, rows)
	if err != nil {
		t.Fatal(err)
	}
	records = nil
	if err := yaml.Unmarshal([]byte(out), &records); err != nil {
		t.Fatalf("invalid YAML %q: %v", out, err)
	}
	if len(records) != 2 || records[0]["KEY"] != "api_7" {
		t.Errorf("unexpected records %v", records)
	}
}

func TestFormatErrorIsStructured(t *testing.T) {
	se := StructuredError{Code: ErrCodeAuthRequired, Message: "not logged in", RecoveryCommand: "frplauncher login"}

	out, err := (&JSONFormatter{Indent: true}).FormatError(se)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"code": "AUTH_REQUIRED"`) {
		t.Errorf("missing code in %s", out)
	}

	out, err = (&TableFormatter{}).FormatError(se)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "Error: not logged in\n") || !strings.Contains(out, "Try: frplauncher login") {
		t.Errorf("unexpected table error %q", out)
	}
}
