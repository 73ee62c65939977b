package text_test

import (
	"testing"

	"delivery-core/internal/utils/text"

	"github.com/stretchr/testify/assert"
)

func TestCountRunes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{name: "empty", input: "", want: 0},
		{name: "ascii", input: "hello world", want: 11},
		{name: "japanese", input: "こんにちは世界", want: 7},
		{name: "mixed", input: "hello世界", want: 7},
		{name: "emoji", input: "ok👋", want: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, text.CountRunes(tt.input))
		})
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		max     int
		want    string
		wantCut bool
	}{
		{name: "shorter than max", input: "abc", max: 5, want: "abc"},
		{name: "exactly max", input: "abcde", max: 5, want: "abcde"},
		{name: "ascii cut", input: "abcdef", max: 4, want: "abcd", wantCut: true},
		{name: "multibyte fits in runes", input: "日本語", max: 3, want: "日本語"},
		{name: "multibyte cut on rune boundary", input: "日本語テキスト", max: 2, want: "日本", wantCut: true},
		{name: "emoji kept whole", input: "a👋b", max: 2, want: "a👋", wantCut: true},
		{name: "zero max", input: "abc", max: 0, want: "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, cut := text.Truncate(tt.input, tt.max)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantCut, cut)
		})
	}
}
