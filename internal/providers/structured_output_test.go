package providers

import (
	"testing"

	"github.com/tanoshi/narration/internal/types"
)

func TestParseStructuredJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		wantErr bool
	}{
		{"plain", `{"a": 1}`, `{"a":1}`, false},
		{"code fence", "```json\n{\"a\": 1}\n```", `{"a":1}`, false},
		{"surrounding text", "Here you go:\n{\"a\": [1, 2]}\nDone.", `{"a":[1,2]}`, false},
		{"empty", "   ", "", true},
		{"no json", "sorry, I cannot read this page", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseStructuredJSON(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected an error, got %s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseStructuredJSON() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDecodeExtraction(t *testing.T) {
	content := "```json\n" + `{"pages":[
		{"index":3,"lines":[
			{"speaker":"narrator","text":"The door creaks.","role":"narration"},
			{"speaker":"Aki","text":"Who's there?","role":"dialogue","emotion":"afraid"}
		]},
		{"index":4,"lines":[],"error":"page is blank"}
	]}` + "\n```"

	pages, err := decodeExtraction(content)
	if err != nil {
		t.Fatalf("decodeExtraction() error = %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(pages))
	}
	if pages[0].Index != 3 || len(pages[0].Lines) != 2 {
		t.Fatalf("unexpected first page %+v", pages[0])
	}
	if l := pages[0].Lines[1]; l.Speaker != "Aki" || l.Role != types.LineRole("dialogue") || l.Emotion != "afraid" {
		t.Errorf("unexpected line %+v", l)
	}
	if pages[1].Error != "page is blank" {
		t.Errorf("expected page error, got %+v", pages[1])
	}
}

func TestDecodeExtractionMissingPages(t *testing.T) {
	if _, err := decodeExtraction(`{"lines":[]}`); err == nil {
		t.Fatal("expected a schema error for a missing pages field")
	}
}
