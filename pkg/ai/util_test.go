package ai

import (
	"testing"
)

func TestUnmarshalFlexible_ExtractionVariants(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "valid json",
			input: `{"entities":[{"name":"Sam Altman","type":"PERSON","description":"CEO"}]}`,
			want:  "Sam Altman",
		},
		{
			name:  "markdown fence",
			input: "```json\n{\"entities\":[{\"name\":\"OpenAI\",\"type\":\"ORGANIZATION\",\"description\":\"\"}]}\n```",
			want:  "OpenAI",
		},
		{
			name:  "unquoted keys and trailing comma",
			input: `{entities: [{name: 'p100', type: 'PRODUCT', description: 'gpu',},]}`,
			want:  "p100",
		},
		{
			name:  "missing closing brackets",
			input: `{"entities":[{"name":"Tesla","type":"ORGANIZATION","description":"car maker"`,
			want:  "Tesla",
		},
		{
			name:  "double encoded",
			input: `"{\"entities\":[{\"name\":\"Y Combinator\",\"type\":\"ORGANIZATION\",\"description\":\"\"}]}"`,
			want:  "Y Combinator",
		},
		{
			name:  "duplicate leading brace",
			input: "{\n{\"entities\":[{\"name\":\"Nvidia\",\"type\":\"ORGANIZATION\",\"description\":\"\"}]}",
			want:  "Nvidia",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got extractionResponse
			if err := UnmarshalFlexible(tc.input, &got); err != nil {
				t.Fatalf("UnmarshalFlexible() error = %v", err)
			}
			if len(got.Entities) != 1 || got.Entities[0].Name != tc.want {
				t.Fatalf("UnmarshalFlexible() got = %+v, want entity %q", got, tc.want)
			}
		})
	}
}

func TestUnmarshalFlexible_Unrecoverable(t *testing.T) {
	var got rerankResponse
	if err := UnmarshalFlexible("hello", &got); err == nil {
		t.Fatalf("UnmarshalFlexible() expected error for unrecoverable input")
	}
}

func TestStripCodeFence(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"```json\n{}\n```", "{}"},
		{"```\n[1]\n```", "[1]"},
		{"{\"a\":1}", "{\"a\":1}"},
	}
	for _, tc := range tests {
		if got := stripCodeFence(tc.in); got != tc.want {
			t.Fatalf("stripCodeFence(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
