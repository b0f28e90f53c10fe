package loader

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func wordCount(s string) int {
	return len(strings.Fields(s))
}

func TestSplitIntoSentences(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "empty input",
			text: "",
			want: []string(nil),
		},
		{
			name: "multiple sentences",
			text: "Hello world. This is a test! How are you?",
			want: []string{"Hello world.", "This is a test!", "How are you?"},
		},
		{
			name: "sentences with empty lines",
			text: "First sentence.\n\nSecond sentence.",
			want: []string{"First sentence.", "Second sentence."},
		},
		{
			name: "multi-line sentence",
			text: "This is a long\nsentence that spans\nmultiple lines.",
			want: []string{"This is a long sentence that spans multiple lines."},
		},
		{
			name: "text with table",
			text: "Introduction text.\nHeader1 | Header2\n------- | -------\nValue1  | Value2\nConclusion text.",
			want: []string{
				"Introduction text.",
				"Header1 | Header2\n------- | -------\nValue1  | Value2",
				"Conclusion text.",
			},
		},
		{
			name: "table without delimiter",
			text: "Header1 | Header2\nValue1  | Value2",
			want: []string{"Header1 | Header2", "Value1  | Value2"},
		},
		{
			name: "mixed content",
			text: "Start here.\n\n| Col1 | Col2 |\n|------|------|\n| Val1 | Val2 |\n\nEnd here!",
			want: []string{
				"Start here.",
				"| Col1 | Col2 |\n|------|------|\n| Val1 | Val2 |",
				"End here!",
			},
		},
		{
			name: "numeric listing stays in one sentence",
			text: "Today we discuss three points. 1. First item 2. Second item 3. Third item. Done!",
			want: []string{
				"Today we discuss three points.",
				"1. First item 2. Second item 3. Third item.",
				"Done!",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitIntoSentences(tt.text)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("splitIntoSentences() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestChunker_Chunk(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		maxTokens int
		want      []string
	}{
		{
			name:      "single sentence under limit",
			text:      "Hello world.",
			maxTokens: 10,
			want:      []string{"Hello world."},
		},
		{
			name:      "sentences packed under limit",
			text:      "First sentence. Second sentence. Third sentence.",
			maxTokens: 4,
			want:      []string{"First sentence. Second sentence.", "Third sentence."},
		},
		{
			name:      "oversized sentences stay whole",
			text:      "First sentence. Second sentence.",
			maxTokens: 1,
			want:      []string{"First sentence.", "Second sentence."},
		},
		{
			name:      "empty text",
			text:      "   ",
			maxTokens: 10,
			want:      nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChunkerWithCounter(tt.maxTokens, wordCount)
			got, err := c.Chunk("doc", tt.text)
			if err != nil {
				t.Fatalf("Chunk() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Chunk() returned %d chunks, want %d", len(got), len(tt.want))
			}
			seen := make(map[string]bool)
			for i, chunk := range got {
				if chunk.Text != tt.want[i] {
					t.Fatalf("chunk[%d].Text = %q, want %q", i, chunk.Text, tt.want[i])
				}
				if chunk.Position != i || chunk.DocumentID != "doc" {
					t.Fatalf("chunk[%d] has position %d document %q", i, chunk.Position, chunk.DocumentID)
				}
				if chunk.ID == "" || seen[chunk.ID] {
					t.Fatalf("chunk[%d] has empty or repeated id %q", i, chunk.ID)
				}
				seen[chunk.ID] = true
			}
		})
	}
}

func TestIsCSVHeader(t *testing.T) {
	tests := []struct {
		name string
		rows []string
		want bool
	}{
		{
			name: "single row returns false",
			rows: []string{"a,b,c"},
			want: false,
		},
		{
			name: "header with text, data with numbers",
			rows: []string{"Name,Age,City", "John,25,NYC", "Jane,30,LA"},
			want: true,
		},
		{
			name: "all numeric data",
			rows: []string{"1,2,3", "4,5,6", "7,8,9"},
			want: false,
		},
		{
			name: "common header patterns",
			rows: []string{"ID,Name,Email", "1,John,john@test.com"},
			want: true,
		},
		{
			name: "first row no numbers, data has numbers",
			rows: []string{"Product,Price,Quantity", "Apple,1.99,100", "Banana,0.99,200"},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isCSVHeader(tt.rows); got != tt.want {
				t.Fatalf("isCSVHeader() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChunker_ChunkRows(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		maxTokens  int
		wantChunks int
		wantHeader string
	}{
		{
			name:       "small CSV fits in one chunk",
			text:       "Name,Age\nJohn,25\nJane,30",
			maxTokens:  100,
			wantChunks: 1,
			wantHeader: "Name,Age",
		},
		{
			name:       "header repeated in every chunk",
			text:       "Name,Age\nJohn,25\nJane,30\nBob,35\nAlice,28",
			maxTokens:  2,
			wantChunks: 4,
			wantHeader: "Name,Age",
		},
		{
			name:       "single row treated as data",
			text:       "John,25,NYC",
			maxTokens:  100,
			wantChunks: 1,
		},
		{
			name:       "empty text",
			text:       "",
			maxTokens:  100,
			wantChunks: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChunkerWithCounter(tt.maxTokens, wordCount)
			got, err := c.ChunkRows("doc", tt.text)
			if err != nil {
				t.Fatalf("ChunkRows() error = %v", err)
			}
			if len(got) != tt.wantChunks {
				t.Fatalf("ChunkRows() returned %d chunks, want %d", len(got), tt.wantChunks)
			}
			for i, chunk := range got {
				if tt.wantHeader != "" && !strings.HasPrefix(chunk.Text, tt.wantHeader+"\n") {
					t.Fatalf("chunk[%d] should start with header %q, got %q", i, tt.wantHeader, chunk.Text)
				}
			}
		})
	}
}

func TestFileSource_GetText(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	src := NewFileSource(dir)

	got, err := src.GetText(context.Background(), "a.txt")
	if err != nil || string(got) != "hello" {
		t.Fatalf("GetText() = %q, %v", got, err)
	}

	// served from cache once read
	if err := os.Remove(filepath.Join(dir, "a.txt")); err != nil {
		t.Fatal(err)
	}
	if got, err := src.GetText(context.Background(), "a.txt"); err != nil || string(got) != "hello" {
		t.Fatalf("expected cached text, got %q, %v", got, err)
	}
	if _, err := src.GetText(context.Background(), "missing.txt"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSplitLineIntoSentences_KeepsClosingQuotes(t *testing.T) {
	got := splitLineIntoSentences(`He said "stop." Then he left.`)
	want := []string{`He said "stop."`, "Then he left."}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("splitLineIntoSentences() = %#v, want %#v", got, want)
	}
}
