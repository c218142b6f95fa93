// Package book reads book sources into an ordered chapter list.
//
// Three layouts are understood: JSON files of the form
// {"title": ..., "chapters": [{"title": ..., "text": ...}]}, Markdown files
// split into chapters at level-one and level-two headings, and plain text
// files, which become a single chapter.
package book

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/audiobook-tts/internal/core"
)

const (
	extJSON     = ".json"
	extMarkdown = ".md"
	extText     = ".txt"
)

const (
	errFmtRead        = "failed to read book %s: %w"
	errFmtDecode      = "failed to decode book %s: %w"
	errFmtUnsupported = "%w: %q"
)

// Parser errors.
var (
	ErrUnsupportedBook = errors.New("unsupported book format")
	ErrNoChapters      = errors.New("book contains no chapters with text")
)

type jsonChapter struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type jsonBook struct {
	Title    string        `json:"title"`
	Chapters []jsonChapter `json:"chapters"`
}

// Parser implements core.DocumentParser for local files.
type Parser struct{}

// NewParser creates a parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse returns the book title and its non-empty chapters, indexed from 1 in
// document order. The title falls back to the file stem.
func (p *Parser) Parse(path string) (string, []core.Chapter, error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return "", nil, fmt.Errorf(errFmtRead, path, readErr)
	}

	var (
		title    string
		chapters []core.Chapter
	)

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case extJSON:
		var decoded jsonBook

		decodeErr := json.Unmarshal(data, &decoded)
		if decodeErr != nil {
			return "", nil, fmt.Errorf(errFmtDecode, path, decodeErr)
		}

		title = decoded.Title
		for _, chapter := range decoded.Chapters {
			chapters = appendChapter(chapters, chapter.Title, chapter.Text)
		}
	case extMarkdown:
		title, chapters = parseMarkdown(string(data))
	case extText, "":
		chapters = appendChapter(nil, "", string(data))
	default:
		return "", nil, fmt.Errorf(errFmtUnsupported, ErrUnsupportedBook, ext)
	}

	if len(chapters) == 0 {
		return "", nil, fmt.Errorf("%w: %s", ErrNoChapters, path)
	}

	title = strings.TrimSpace(title)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return title, chapters, nil
}

// appendChapter skips whitespace-only text so indexes stay contiguous.
func appendChapter(chapters []core.Chapter, title, text string) []core.Chapter {
	text = strings.TrimSpace(text)
	if text == "" {
		return chapters
	}

	return append(chapters, core.Chapter{
		Index: len(chapters) + 1,
		Title: strings.TrimSpace(title),
		Text:  text,
	})
}

// parseMarkdown uses a leading "# " heading as the book title when a "## "
// heading follows it; otherwise every "# " or "## " heading opens a chapter.
func parseMarkdown(source string) (string, []core.Chapter) {
	var (
		title    string
		chapters []core.Chapter
		current  string
		body     strings.Builder
		level    int
	)

	if strings.Contains(source, "\n## ") || strings.HasPrefix(source, "## ") {
		level = 2
	} else {
		level = 1
	}

	prefix := strings.Repeat("#", level) + " "

	scanner := bufio.NewScanner(strings.NewReader(source))
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), len(source)+1)

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case level == 2 && strings.HasPrefix(line, "# ") && title == "" && len(chapters) == 0 && current == "":
			title = strings.TrimPrefix(line, "# ")
		case strings.HasPrefix(line, prefix):
			chapters = appendChapter(chapters, current, body.String())
			current = strings.TrimPrefix(line, prefix)
			body.Reset()
		default:
			body.WriteString(line)
			body.WriteByte('\n')
		}
	}

	chapters = appendChapter(chapters, current, body.String())

	return title, chapters
}
