package text

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

const (
	numberBaseTen      = 10
	numberBaseTwenty   = 20
	numberBaseHundred  = 100
	numberBaseThousand = 1000
	numberBaseMillion  = 1_000_000
	// MaxNumberForWords is the largest integer spelled out by the normalizer.
	MaxNumberForWords = 999_999_999
)

const (
	numberRegexPattern     = `\b\d+\b`
	referenceRegexPattern  = `\[\d+\]|[¹²³⁴⁵⁶⁷⁸⁹⁰]+`
	whitespaceRegexPattern = `\s+`
)

// Normalizer rewrites utterance text into a form the acoustic model reads aloud
// cleanly: abbreviations spelled out, integers written as words, footnote markers
// dropped and typographic punctuation folded to ASCII.
type Normalizer struct {
	numberPattern        *regexp.Regexp
	referencePattern     *regexp.Regexp
	whitespacePattern    *regexp.Regexp
	abbreviationReplacer *strings.Replacer
	punctuationReplacer  *strings.Replacer
}

// NewNormalizer compiles the patterns once; a Normalizer is safe for concurrent use.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		numberPattern:     regexp.MustCompile(numberRegexPattern),
		referencePattern:  regexp.MustCompile(referenceRegexPattern),
		whitespacePattern: regexp.MustCompile(whitespaceRegexPattern),
		abbreviationReplacer: strings.NewReplacer(
			"Mr.", "Mister",
			"Mrs.", "Missus",
			"Ms.", "Miz",
			"Dr.", "Doctor",
			"Prof.", "Professor",
			"St.", "Saint",
			"Jr.", "Junior",
			"Sr.", "Senior",
			"e.g.", "for example",
			"i.e.", "that is",
			"etc.", "et cetera",
			"vs.", "versus",
		),
		punctuationReplacer: strings.NewReplacer(
			"—", ", ",
			"–", "-",
			"‒", "-",
			"…", "...",
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
	}
}

// Normalize applies every rewrite. Newlines inside an utterance become spaces.
func (n *Normalizer) Normalize(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	text = n.referencePattern.ReplaceAllString(text, "")
	text = n.abbreviationReplacer.Replace(text)
	text = n.punctuationReplacer.Replace(text)
	text = n.numberPattern.ReplaceAllStringFunc(text, func(digits string) string {
		number, err := strconv.Atoi(digits)
		if err != nil {
			return digits
		}

		return IntegerToWords(number)
	})
	text = collapseRepeatedPunctuation(text)
	text = n.whitespacePattern.ReplaceAllString(text, " ")

	return strings.TrimSpace(text)
}

// collapseRepeatedPunctuation keeps runs of periods (ellipses) and drops other
// repeated marks such as "?!?!" down to the first one.
func collapseRepeatedPunctuation(text string) string {
	var builder strings.Builder

	builder.Grow(len(text))

	var previous rune

	for _, char := range text {
		if unicode.IsPunct(char) && char == previous && char != '.' {
			continue
		}

		if isSentenceMark(char) && isSentenceMark(previous) {
			continue
		}

		builder.WriteRune(char)
		previous = char
	}

	return builder.String()
}

func isSentenceMark(r rune) bool {
	return r == '!' || r == '?'
}

var (
	onesWords = []string{
		"", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
	}
	teensWords = []string{
		"ten", "eleven", "twelve", "thirteen", "fourteen",
		"fifteen", "sixteen", "seventeen", "eighteen", "nineteen",
	}
	tensWords = []string{
		"", "", "twenty", "thirty", "forty", "fifty", "sixty", "seventy", "eighty", "ninety",
	}
)

// IntegerToWords spells out number in English. Values outside
// [0, MaxNumberForWords] are returned as digits.
func IntegerToWords(number int) string {
	if number < 0 || number > MaxNumberForWords {
		return strconv.Itoa(number)
	}

	if number == 0 {
		return "zero"
	}

	var parts []string

	if millions := number / numberBaseMillion; millions > 0 {
		parts = append(parts, underThousand(millions)+" million")
	}

	if thousands := number % numberBaseMillion / numberBaseThousand; thousands > 0 {
		parts = append(parts, underThousand(thousands)+" thousand")
	}

	if rest := number % numberBaseThousand; rest > 0 {
		parts = append(parts, underThousand(rest))
	}

	return strings.Join(parts, " ")
}

func underThousand(number int) string {
	hundreds := number / numberBaseHundred
	rest := number % numberBaseHundred

	switch {
	case hundreds > 0 && rest > 0:
		return onesWords[hundreds] + " hundred " + underHundred(rest)
	case hundreds > 0:
		return onesWords[hundreds] + " hundred"
	default:
		return underHundred(rest)
	}
}

func underHundred(number int) string {
	switch {
	case number < numberBaseTen:
		return onesWords[number]
	case number < numberBaseTwenty:
		return teensWords[number-numberBaseTen]
	case number%numberBaseTen == 0:
		return tensWords[number/numberBaseTen]
	default:
		return tensWords[number/numberBaseTen] + " " + onesWords[number%numberBaseTen]
	}
}
