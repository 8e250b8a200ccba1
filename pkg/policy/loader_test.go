package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	regoContent := `# Blocks every async step.
# Second description line.
# severity: critical

package test.policy

import rego.v1

deny contains "no async" if {
	some op in input.plan.operations
	op.step.mode == "Asynchronous"
}
`
	path := writePolicy(t, dir, "no-async.rego", regoContent)

	policies, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected one policy, got %d", len(policies))
	}

	p := policies[0]
	if p.Name != "no-async" {
		t.Errorf("Expected name 'no-async', got '%s'", p.Name)
	}
	if p.Rego != regoContent {
		t.Error("Rego content doesn't match")
	}
	if p.Severity != SeverityCritical {
		t.Errorf("Expected severity critical, got %s", p.Severity)
	}
	if p.Description != "Blocks every async step. Second description line." {
		t.Errorf("Unexpected description %q", p.Description)
	}
	if p.Source != path {
		t.Errorf("Expected source %s, got %s", path, p.Source)
	}
	if !p.Enabled || p.Builtin {
		t.Error("Loaded policy should be enabled and not built-in")
	}
}

func TestLoadFromFile_RegoInvalidSeverity(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := writePolicy(t, t.TempDir(), "loud.rego", "# severity: loud\npackage loud\n")

	if _, err := loader.loadFromFile(path); err == nil {
		t.Fatal("Expected error for invalid severity")
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := writePolicy(t, t.TempDir(), "single.json", `{
  "name": "single",
  "description": "A single JSON policy",
  "rego": "package single\n\nimport rego.v1\n\ndeny contains \"x\" if false\n",
  "enabled": true,
  "builtin": true
}`)

	policies, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("Expected one policy, got %d", len(policies))
	}
	if policies[0].Name != "single" {
		t.Errorf("Expected name 'single', got '%s'", policies[0].Name)
	}
	if policies[0].Severity != SeverityWarning {
		t.Errorf("Expected default severity warning, got %s", policies[0].Severity)
	}
	if policies[0].Builtin {
		t.Error("File policies cannot claim to be built-in")
	}
}

func TestLoadFromFile_JSONBundle(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := writePolicy(t, t.TempDir(), "bundle.json", `{
  "name": "contoso",
  "version": "1.0.0",
  "policies": [
    {"name": "one", "rego": "package one\n", "severity": "error", "enabled": true},
    {"name": "two", "rego": "package two\n", "enabled": false}
  ]
}`)

	policies, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load bundle: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected two policies, got %d", len(policies))
	}
	if policies[0].Severity != SeverityError || policies[1].Severity != SeverityWarning {
		t.Errorf("Unexpected severities %s, %s", policies[0].Severity, policies[1].Severity)
	}
	if policies[1].Enabled {
		t.Error("Bundle policy 'two' should stay disabled")
	}

	bundle, err := loader.LoadBundle(path)
	if err != nil {
		t.Fatalf("LoadBundle failed: %v", err)
	}
	if bundle.Name != "contoso" || bundle.Version != "1.0.0" {
		t.Errorf("Unexpected bundle %s@%s", bundle.Name, bundle.Version)
	}
}

func TestLoadFromFile_JSONErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"invalid json", `{"name": `, "failed to parse JSON policy"},
		{"missing name", `{"rego": "package x\n"}`, "has no name"},
		{"missing rego", `{"name": "x"}`, "has no rego"},
		{"bad severity", `{"name": "x", "rego": "package x\n", "severity": "loud"}`, "invalid severity"},
		{"bundle entry without name", `{"policies": [{"rego": "package x\n"}]}`, "has no name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loader := NewLoader(zerolog.Nop())
			path := writePolicy(t, t.TempDir(), "p.json", tt.content)
			_, err := loader.loadFromFile(path)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadFromFile_UnsupportedType(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := writePolicy(t, t.TempDir(), "policy.txt", "not a policy")

	if _, err := loader.loadFromFile(path); err == nil {
		t.Fatal("Expected error for unsupported file type")
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested", "deeper")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	writePolicy(t, dir, "top.rego", "package top\n")
	writePolicy(t, sub, "deep.rego", "package deep\n")
	writePolicy(t, dir, "README.md", "# policies")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected two policies, got %d", len(policies))
	}

	names := map[string]bool{}
	for _, p := range policies {
		names[p.Name] = true
	}
	if !names["top"] || !names["deep"] {
		t.Errorf("Unexpected policies %v", names)
	}
}

func TestLoadFromDirectory_BrokenFile(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writePolicy(t, dir, "good.rego", "package good\n")
	writePolicy(t, dir, "bad.json", "{")

	if _, err := loader.LoadFromPaths(context.Background(), []string{dir}); err == nil {
		t.Fatal("Expected a broken file to fail the whole load")
	}
}

func TestLoadFromPaths_Duplicate(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	a := writePolicy(t, t.TempDir(), "same.rego", "package a\n")
	b := writePolicy(t, t.TempDir(), "same.rego", "package b\n")

	_, err := loader.LoadFromPaths(context.Background(), []string{a, b})
	if err == nil {
		t.Fatal("Expected error for duplicate policy names")
	}
	if !strings.Contains(err.Error(), "same") {
		t.Errorf("Error should name the policy: %v", err)
	}
}

func TestLoadFromPaths_NonExistent(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	_, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(t.TempDir(), "missing")})
	if err == nil {
		t.Fatal("Expected error for missing path")
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		desc     string
		severity Severity
	}{
		{"no comments", "package x\n", "", ""},
		{"description only", "# One.\n# Two.\npackage x\n", "One. Two.", ""},
		{"severity anywhere in header", "# severity: ERROR\n# Blocks.\npackage x\n", "Blocks.", SeverityError},
		{"stops at code", "package x\n# not a header\n", "", ""},
		{"blank lines skipped", "\n# Top.\n\n#\n# Next.\npackage x", "Top. Next.", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, severity := parseHeader(tt.content)
			if desc != tt.desc {
				t.Errorf("Expected description %q, got %q", tt.desc, desc)
			}
			if severity != tt.severity {
				t.Errorf("Expected severity %q, got %q", tt.severity, severity)
			}
		})
	}
}

func TestClearCache(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := writePolicy(t, t.TempDir(), "cached.rego", "package cached\n")

	if _, err := loader.loadFromFile(path); err != nil {
		t.Fatal(err)
	}
	if len(loader.cache) != 1 {
		t.Fatalf("Expected one cached file, got %d", len(loader.cache))
	}

	loader.ClearCache()
	if len(loader.cache) != 0 {
		t.Error("Cache should be empty after ClearCache")
	}
}
