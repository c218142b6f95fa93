package core

import "time"

// Chapter is one chapter of a parsed document. Index is 1-based and defines the
// canonical chapter order.
type Chapter struct {
	Index int    `json:"index"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Utterance is a bounded span of chapter text submitted as one synthesis unit.
// Ordinal is 0-based and defines playback order within the chapter.
type Utterance struct {
	ChapterIndex int
	Ordinal      int
	Text         string
}

// ReferenceVoice is a decoded, normalised reference clip and the embedding the
// backend derived from it. Values are shared read-only between workers.
type ReferenceVoice struct {
	ID              string
	Transcript      string
	RawAudio        []byte
	NormalizedAudio []byte
	SampleRate      int
	Embedding       [][]int
}

// SynthesisRequest is the input to one backend synthesis call.
type SynthesisRequest struct {
	Text      string
	Reference *ReferenceVoice
	Format    string
	Streaming bool
}

// PCMFormat describes the sample layout of raw little-endian PCM data.
type PCMFormat struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	BitDepth   int `json:"bit_depth"`
}

// FrameSize returns the number of bytes in one frame (one sample for every channel).
func (f PCMFormat) FrameSize() int {
	return f.Channels * (f.BitDepth / 8)
}

// AudioSegment is the decoded audio for one utterance. A placeholder segment
// carries no samples and marks an utterance whose synthesis failed.
type AudioSegment struct {
	ChapterIndex int
	Ordinal      int
	PCM          []byte
	Format       PCMFormat
	Placeholder  bool
}

// ChapterTrack is the ordinal-ordered concatenation of one chapter's segments.
type ChapterTrack struct {
	ChapterIndex int
	Title        string
	PCM          []byte
	Format       PCMFormat
	DurationMs   int64
	// Gaps lists the ordinals that were replaced by placeholders.
	Gaps []int
}

// ManifestChapter is one chapter marker, in milliseconds from the book start.
type ManifestChapter struct {
	Title   string `json:"title"`
	StartMs int64  `json:"start_ms"`
	EndMs   int64  `json:"end_ms"`
}

// AudiobookManifest drives chapter-marker metadata in the final container.
type AudiobookManifest struct {
	Title    string            `json:"title"`
	Artist   string            `json:"artist,omitempty"`
	Chapters []ManifestChapter `json:"chapters"`
}

// Duration returns the total running time covered by the manifest.
func (m AudiobookManifest) Duration() time.Duration {
	if len(m.Chapters) == 0 {
		return 0
	}

	last := m.Chapters[len(m.Chapters)-1]

	return time.Duration(last.EndMs+1) * time.Millisecond
}
