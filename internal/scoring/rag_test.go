package scoring

import (
	"testing"

	"promptctf/webapi/internal/config"
)

func TestAssembleRagDocument(t *testing.T) {
	tests := []struct {
		name     string
		cfg      *config.RagInputCfg
		document string
		input    string
		want     string
	}{
		{
			name: "nil config",
			want: "",
		},
		{
			name: "editable uses user document",
			cfg:  &config.RagInputCfg{DefaultDocument: "default"},
			document: "my own doc",
			want:     "my own doc",
		},
		{
			name: "editable falls back to default",
			cfg:  &config.RagInputCfg{DefaultDocument: "default"},
			want: "default",
		},
		{
			name:  "read-only replaces template token in default",
			cfg:   &config.RagInputCfg{IsReadOnly: true, DefaultDocument: "Notes: {{UserInput}} end", DocumentTemplate: "{{UserInput}}"},
			input: "hello",
			want:  "Notes: hello end",
		},
		{
			name:  "read-only token replacement is case-insensitive",
			cfg:   &config.RagInputCfg{IsReadOnly: true, DefaultDocument: "Notes: {{USERINPUT}} end", DocumentTemplate: "{{UserInput}}"},
			input: "hello",
			want:  "Notes: hello end",
		},
		{
			name:  "read-only token absent keeps default",
			cfg:   &config.RagInputCfg{IsReadOnly: true, DefaultDocument: "fixed text", DocumentTemplate: "{{UserInput}}"},
			input: "hello",
			want:  "fixed text",
		},
		{
			name:  "read-only appends to default without template",
			cfg:   &config.RagInputCfg{IsReadOnly: true, DefaultDocument: "default"},
			input: "hello",
			want:  "default\nhello",
		},
		{
			name: "read-only no input keeps default",
			cfg:  &config.RagInputCfg{IsReadOnly: true, DefaultDocument: "Notes: {{UserInput}}", DocumentTemplate: "{{UserInput}}"},
			want: "Notes: {{UserInput}}",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AssembleRagDocument(tt.cfg, tt.document, tt.input); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}
