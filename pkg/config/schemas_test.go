package config

import (
	"strings"
	"testing"
)

func TestSchemaRegistry_RegisterAndGet(t *testing.T) {
	sr := NewSchemaRegistry()

	err := sr.RegisterSchema("Custom", `
#Custom: {
	field1: string
	field2: int
}
`)
	if err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}

	schema, ok := sr.GetSchema("Custom")
	if !ok {
		t.Fatal("expected to find custom schema")
	}
	if schema.Err() != nil {
		t.Errorf("schema has errors: %v", schema.Err())
	}

	names := sr.ListSchemas()
	if len(names) != 2 || names[0] != "Custom" || names[1] != SchemaDeclaration {
		t.Errorf("ListSchemas() = %v", names)
	}
}

func TestSchemaRegistry_RegisterRequiresDefinition(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("Missing", `#Other: {a: int}`); err == nil {
		t.Fatal("expected error for schema without #Missing")
	}
	if err := sr.RegisterSchema("Broken", `#Broken: {a: }`); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestSchemaRegistry_ValidateDeclaration(t *testing.T) {
	sr := NewSchemaRegistry()

	tests := []struct {
		name    string
		data    map[string]interface{}
		wantErr string
	}{
		{
			name: "valid",
			data: map[string]interface{}{
				"pluginTypes": []interface{}{map[string]interface{}{"typeName": "Foo.Bar"}},
				"steps": []interface{}{map[string]interface{}{
					"typeName": "Foo.Bar", "message": "Create", "primaryEntity": "account",
					"stage": "PostOperation", "mode": 0, "rank": 1,
				}},
			},
		},
		{
			name: "stage as code",
			data: map[string]interface{}{
				"steps": []interface{}{map[string]interface{}{
					"typeName": "Foo.Bar", "message": "Create", "primaryEntity": "account", "stage": 40,
				}},
			},
		},
		{
			name: "empty type name",
			data: map[string]interface{}{
				"pluginTypes": []interface{}{map[string]interface{}{"typeName": ""}},
			},
			wantErr: "validation failed",
		},
		{
			name: "missing stage",
			data: map[string]interface{}{
				"steps": []interface{}{map[string]interface{}{
					"typeName": "Foo.Bar", "message": "Create", "primaryEntity": "account",
				}},
			},
			wantErr: "validation failed",
		},
		{
			name: "rank must be an integer",
			data: map[string]interface{}{
				"steps": []interface{}{map[string]interface{}{
					"typeName": "Foo.Bar", "message": "Create", "primaryEntity": "account",
					"stage": 40, "rank": "first",
				}},
			},
			wantErr: "validation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema(SchemaDeclaration, tt.data)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSchemaRegistry_UnknownSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	if err := sr.ValidateAgainstSchema("Nope", map[string]interface{}{}); err == nil {
		t.Fatal("expected error for unknown schema")
	}
}
