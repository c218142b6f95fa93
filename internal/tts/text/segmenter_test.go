package text_test

import (
	"strings"
	"testing"
	"unicode"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/audiobook-tts/internal/core"
	"github.com/book-expert/audiobook-tts/internal/tts/text"
)

func newSegmenter(t *testing.T, maxLength int) *text.Segmenter {
	t.Helper()

	segmenter, err := text.NewSegmenter(maxLength, nil)
	require.NoError(t, err)

	return segmenter
}

func texts(utterances []core.Utterance) []string {
	result := make([]string, 0, len(utterances))
	for _, utterance := range utterances {
		result = append(result, utterance.Text)
	}

	return result
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}

		return r
	}, s)
}

func TestNewSegmenter_RejectsNonPositiveLength(t *testing.T) {
	t.Parallel()

	_, err := text.NewSegmenter(0, nil)
	require.ErrorIs(t, err, text.ErrMaxLength)
}

func TestSegment_AbbreviationDoesNotSplit(t *testing.T) {
	t.Parallel()

	input := "Hello Mr. Smith. How are you? Fine."

	utterances := newSegmenter(t, 100).Utterances(1, input)
	require.Len(t, utterances, 1)
	assert.Equal(t, input, utterances[0].Text)

	utterances = newSegmenter(t, 10).Utterances(1, input)
	assert.Equal(t, []string{"Hello Mr. Smith.", "How are you?", "Fine."}, texts(utterances))
}

func TestSegment_GreedyPacking(t *testing.T) {
	t.Parallel()

	utterances := newSegmenter(t, 10).Utterances(2, "A b. C d. E f.")

	assert.Equal(t, []string{"A b. C d.", "E f."}, texts(utterances))

	for i, utterance := range utterances {
		assert.Equal(t, 2, utterance.ChapterIndex)
		assert.Equal(t, i, utterance.Ordinal)
	}
}

func TestSegment_DecimalIsNotABoundary(t *testing.T) {
	t.Parallel()

	utterances := newSegmenter(t, 5).Utterances(1, "Pi is 3.14 roughly. Yes.")

	assert.Equal(t, []string{"Pi is 3.14 roughly.", "Yes."}, texts(utterances))
}

func TestSegment_FullWidthTerminals(t *testing.T) {
	t.Parallel()

	utterances := newSegmenter(t, 3).Utterances(1, "你好。今天很好！谢谢")

	assert.Equal(t, []string{"你好。", "今天很好！", "谢谢"}, texts(utterances))
}

func TestSegment_LongSentenceKeptWhole(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("word ", 40) + "end."

	utterances := newSegmenter(t, 20).Utterances(1, long+" Short.")

	require.Len(t, utterances, 2)
	assert.Equal(t, strings.TrimSpace(long), utterances[0].Text)
	assert.Equal(t, "Short.", utterances[1].Text)
}

func TestSegment_EmptyAndWhitespace(t *testing.T) {
	t.Parallel()

	segmenter := newSegmenter(t, 50)

	assert.Empty(t, segmenter.Utterances(1, ""))
	assert.Empty(t, segmenter.Utterances(1, " \n\t  "))
}

func TestSegment_PreservesContentAndBounds(t *testing.T) {
	t.Parallel()

	input := `It was a bright cold day in April, and the clocks were striking thirteen.
Winston Smith, his chin nuzzled into his breast, slipped quickly through the glass doors.
"Is it?" she asked! Dr. Jones said no... Then silence.`

	for _, maxLength := range []int{1, 15, 40, 80, 500} {
		utterances := newSegmenter(t, maxLength).Utterances(3, input)
		require.NotEmpty(t, utterances)

		var joined strings.Builder
		for _, utterance := range utterances {
			joined.WriteString(utterance.Text)
			assert.Equal(t, utterance.Text, strings.TrimSpace(utterance.Text))
			assert.NotEmpty(t, utterance.Text)
		}

		assert.Equal(t, stripSpace(input), stripSpace(joined.String()), "max length %d", maxLength)

		if maxLength >= 500 {
			for _, utterance := range utterances {
				assert.LessOrEqual(t, utf8.RuneCountInString(utterance.Text), maxLength)
			}
		}
	}
}

func TestSegment_IsRestartable(t *testing.T) {
	t.Parallel()

	segmenter := newSegmenter(t, 12)
	sequence := segmenter.Segment(1, "One two. Three four. Five six. Seven.")

	var first, second []core.Utterance
	for utterance := range sequence {
		first = append(first, utterance)
	}

	for utterance := range sequence {
		second = append(second, utterance)
	}

	assert.Equal(t, first, second)
}

func TestSegment_StopsEarly(t *testing.T) {
	t.Parallel()

	count := 0
	for range newSegmenter(t, 1).Segment(1, "A. B. C. D.") {
		count++
		if count == 2 {
			break
		}
	}

	assert.Equal(t, 2, count)
}

func TestSegment_CustomExceptions(t *testing.T) {
	t.Parallel()

	segmenter, err := text.NewSegmenter(5, []string{"approx."})
	require.NoError(t, err)

	utterances := segmenter.Utterances(1, "It is approx. ten. Mr. X.")

	assert.Equal(t, []string{"It is approx. ten.", "Mr.", "X."}, texts(utterances))
}
