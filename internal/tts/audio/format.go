// Package audio decodes, normalises and assembles synthesized speech into chapter
// tracks and final audiobook containers.
package audio

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/book-expert/audiobook-tts/internal/core"
)

// Supported bit depths.
const (
	BitDepth8  = 8
	BitDepth16 = 16
	BitDepth24 = 24
	BitDepth32 = 32
)

// Quality validation limits.
const (
	MaxSampleRate = 192000
	MaxChannels   = 8
)

const (
	errFmtSampleRateRange = "%w: sample rate must be between 1 and %d Hz, got %d"
	errFmtBitDepthValues  = "%w: bit depth must be 8, 16, 24, or 32, got %d"
	errFmtChannelsRange   = "%w: channels must be between 1 and %d, got %d"
	errFmtUnknownFormat   = "%w: %q"
)

// Errors for the audio package.
var (
	ErrInvalidPCMFormat = errors.New("invalid PCM format")
	ErrUnknownOutput    = errors.New("unknown output format")
)

// Format is a final container format.
type Format string

// Output formats.
const (
	FormatWAV  Format = "wav"
	FormatMP3  Format = "mp3"
	FormatFLAC Format = "flac"
	FormatAAC  Format = "aac"
	FormatM4B  Format = "m4b"
	FormatM4A  Format = "m4a"
	FormatMP4  Format = "mp4"
	FormatMOV  Format = "mov"
	FormatWEBM Format = "webm"
)

const (
	bitrateAAC = "128k"
	bitrateMP3 = "192k"
)

var codecs = map[Format]core.Codec{
	FormatM4B:  {Name: "aac", Bitrate: bitrateAAC},
	FormatM4A:  {Name: "aac", Bitrate: bitrateAAC},
	FormatMP4:  {Name: "aac", Bitrate: bitrateAAC},
	FormatMOV:  {Name: "aac", Bitrate: bitrateAAC},
	FormatAAC:  {Name: "aac", Bitrate: bitrateAAC},
	FormatMP3:  {Name: "libmp3lame", Bitrate: bitrateMP3},
	FormatFLAC: {Name: "flac"},
	FormatWAV:  {Name: "pcm_s16le"},
	FormatWEBM: {Name: "libopus", Bitrate: bitrateAAC},
}

var chapterFormats = []Format{FormatM4B, FormatM4A, FormatMP4, FormatMOV, FormatWEBM}

// ParseFormat normalises a user-supplied format name such as "M4B" or ".mp3".
func ParseFormat(name string) (Format, error) {
	format := Format(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), "."))
	if _, known := codecs[format]; !known {
		return "", fmt.Errorf(errFmtUnknownFormat, ErrUnknownOutput, name)
	}

	return format, nil
}

// Codec returns the encoder used for the format.
func (f Format) Codec() core.Codec {
	return codecs[f]
}

// SupportsChapters reports whether the container carries chapter markers.
func (f Format) SupportsChapters() bool {
	return slices.Contains(chapterFormats, f)
}

// Extension returns the file extension including the dot.
func (f Format) Extension() string {
	return "." + string(f)
}

// ValidatePCMFormat checks that a PCM layout is one the assembler can handle.
func ValidatePCMFormat(format core.PCMFormat) error {
	if format.SampleRate <= 0 || format.SampleRate > MaxSampleRate {
		return fmt.Errorf(errFmtSampleRateRange, ErrInvalidPCMFormat, MaxSampleRate, format.SampleRate)
	}

	switch format.BitDepth {
	case BitDepth8, BitDepth16, BitDepth24, BitDepth32:
	default:
		return fmt.Errorf(errFmtBitDepthValues, ErrInvalidPCMFormat, format.BitDepth)
	}

	if format.Channels <= 0 || format.Channels > MaxChannels {
		return fmt.Errorf(errFmtChannelsRange, ErrInvalidPCMFormat, MaxChannels, format.Channels)
	}

	return nil
}

// DurationMs returns the duration of pcm in whole milliseconds, rounded down.
func DurationMs(pcm []byte, format core.PCMFormat) int64 {
	frameSize := format.FrameSize()
	if frameSize == 0 || format.SampleRate == 0 {
		return 0
	}

	frames := int64(len(pcm) / frameSize)

	return frames * 1000 / int64(format.SampleRate)
}
