// Package text provides sentence segmentation and text normalisation for TTS.
package text

import (
	"errors"
	"fmt"
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/book-expert/audiobook-tts/internal/core"
)

// ErrMaxLength is returned when the utterance length limit is not positive.
var ErrMaxLength = errors.New("max utterance length must be positive")

// Sentence-terminal marks. Full-width marks end a sentence without trailing space.
const (
	asciiTerminals     = ".!?…"
	fullWidthTerminals = "。！？｡"
	closingMarks       = "\"'”’»)]}」』》"
	openingMarks       = "\"'“‘«([{「『《"
)

// DefaultAbbreviations lists tokens whose trailing period does not end a sentence.
func DefaultAbbreviations() []string {
	return []string{
		"Mr.", "Mrs.", "Ms.", "Dr.", "Prof.", "Sr.", "Jr.", "St.",
		"Mt.", "Capt.", "Col.", "Gen.", "Lt.", "Sgt.", "Rev.",
		"etc.", "e.g.", "i.e.", "vs.", "cf.", "al.",
		"Inc.", "Ltd.", "Co.", "Corp.", "No.", "Vol.", "pp.", "p.",
		"Jan.", "Feb.", "Mar.", "Apr.", "Jun.", "Jul.", "Aug.", "Sep.", "Sept.", "Oct.", "Nov.", "Dec.",
	}
}

// Segmenter splits chapter text into bounded-length utterances at sentence boundaries.
type Segmenter struct {
	maxLength  int
	exceptions map[string]struct{}
}

// NewSegmenter builds a segmenter. An empty exception list selects DefaultAbbreviations.
func NewSegmenter(maxLength int, exceptions []string) (*Segmenter, error) {
	if maxLength <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrMaxLength, maxLength)
	}

	if len(exceptions) == 0 {
		exceptions = DefaultAbbreviations()
	}

	set := make(map[string]struct{}, len(exceptions))
	for _, abbreviation := range exceptions {
		set[strings.ToLower(strings.TrimSpace(abbreviation))] = struct{}{}
	}

	return &Segmenter{maxLength: maxLength, exceptions: set}, nil
}

// MaxLength returns the utterance length limit in runes.
func (s *Segmenter) MaxLength() int {
	return s.maxLength
}

// Segment returns a lazy sequence of utterances for one chapter. The sequence can be
// ranged over any number of times and always yields the same utterances.
//
// Sentences are packed greedily: a run is flushed before a sentence that would push
// it past the limit, and as soon as it reaches the limit at a sentence end. A single
// sentence longer than the limit is kept whole.
func (s *Segmenter) Segment(chapterIndex int, text string) iter.Seq[core.Utterance] {
	return func(yield func(core.Utterance) bool) {
		ordinal := 0
		run := ""

		flush := func() bool {
			trimmed := strings.TrimSpace(run)
			run = ""

			if trimmed == "" {
				return true
			}

			utterance := core.Utterance{ChapterIndex: chapterIndex, Ordinal: ordinal, Text: trimmed}
			ordinal++

			return yield(utterance)
		}

		for sentence := range s.sentences(text) {
			candidate := run + sentence
			if trimmedLen(run) > 0 && trimmedLen(candidate) > s.maxLength {
				if !flush() {
					return
				}

				candidate = sentence
			}

			run = candidate

			if trimmedLen(run) >= s.maxLength {
				if !flush() {
					return
				}
			}
		}

		flush()
	}
}

// Utterances collects Segment into a slice.
func (s *Segmenter) Utterances(chapterIndex int, text string) []core.Utterance {
	var utterances []core.Utterance
	for utterance := range s.Segment(chapterIndex, text) {
		utterances = append(utterances, utterance)
	}

	return utterances
}

// sentences yields raw sentence spans. Concatenating every span reproduces text.
func (s *Segmenter) sentences(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		runes := []rune(text)
		start := 0

		for i := 0; i < len(runes); i++ {
			mark := runes[i]
			if !isTerminal(mark) {
				continue
			}

			end := i + 1
			for end < len(runes) && (isTerminal(runes[end]) || strings.ContainsRune(closingMarks, runes[end])) {
				end++
			}

			if !strings.ContainsRune(fullWidthTerminals, mark) && end < len(runes) && !unicode.IsSpace(runes[end]) {
				continue
			}

			if mark == '.' && end == i+1 && s.isException(runes[start:end]) {
				continue
			}

			if !yield(string(runes[start:end])) {
				return
			}

			start = end
			i = end - 1
		}

		if start < len(runes) {
			yield(string(runes[start:]))
		}
	}
}

// isException checks the trailing token of span, which ends in a period.
func (s *Segmenter) isException(span []rune) bool {
	fields := strings.Fields(string(span))
	if len(fields) == 0 {
		return false
	}

	token := strings.TrimLeft(fields[len(fields)-1], openingMarks)
	_, found := s.exceptions[strings.ToLower(token)]

	return found
}

func isTerminal(r rune) bool {
	return strings.ContainsRune(asciiTerminals, r) || strings.ContainsRune(fullWidthTerminals, r)
}

func trimmedLen(s string) int {
	return utf8.RuneCountInString(strings.TrimSpace(s))
}
