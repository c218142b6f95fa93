package text_test

import (
	"testing"

	"github.com/book-expert/audiobook-tts/internal/tts/text"
)

type normalizeTestCase struct {
	name     string
	input    string
	expected string
}

func runNormalizeTests(t *testing.T, tests []normalizeTestCase) {
	t.Helper()

	normalizer := text.NewNormalizer()

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			result := normalizer.Normalize(testCase.input)
			if result != testCase.expected {
				t.Errorf("Expected %q, got %q", testCase.expected, result)
			}
		})
	}
}

func TestNormalizer_Normalize(t *testing.T) {
	t.Parallel()

	runNormalizeTests(t, []normalizeTestCase{
		{"empty", "", ""},
		{"whitespace only", "  \n\t ", ""},
		{"abbreviations and numbers", "Mr. Smith has 3 cats.", "Mister Smith has three cats."},
		{"repeated marks", "Wait!!! Really?!", "Wait! Really?"},
		{"ellipsis kept", "Well... maybe.", "Well... maybe."},
		{"smart quotes", "He said “hi”…", `He said "hi"...`},
		{"footnote marker", "See the note[12] here.", "See the note here."},
		{"newlines flattened", "line one\nline two", "line one line two"},
		{"em dash", "yes—no", "yes, no"},
		{"large number", "In 1984 it rained.", "In one thousand nine hundred eighty four it rained."},
	})
}

func TestIntegerToWords(t *testing.T) {
	t.Parallel()

	tests := map[int]string{
		0:         "zero",
		7:         "seven",
		15:        "fifteen",
		40:        "forty",
		42:        "forty two",
		105:       "one hundred five",
		2000:      "two thousand",
		1_000_001: "one million one",
		-1:        "-1",
	}

	for input, expected := range tests {
		result := text.IntegerToWords(input)
		if result != expected {
			t.Errorf("IntegerToWords(%d): expected %q, got %q", input, expected, result)
		}
	}
}
