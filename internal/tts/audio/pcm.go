package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"

	"github.com/book-expert/audiobook-tts/internal/core"
)

const (
	wavPCMFormat   = 1
	mp3BitDepth    = 16
	mp3Channels    = 2
	bitsPerByte    = 8
	minLoudnessRMS = 1e-9
)

// Errors returned by the decoders.
var (
	ErrInvalidWAV        = errors.New("data is not a valid WAV file")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrMisalignedPCM     = errors.New("pcm payload is not frame aligned")
	ErrEmptyAudio        = errors.New("audio contains no samples")
)

// Clip is decoded audio held as interleaved integer samples at Format.BitDepth scale.
type Clip struct {
	Samples []int
	Format  core.PCMFormat
}

// Frames returns the number of sample frames in the clip.
func (c *Clip) Frames() int {
	if c.Format.Channels == 0 {
		return 0
	}

	return len(c.Samples) / c.Format.Channels
}

// Decode picks a decoder by file extension. WAV and MP3 are decoded natively;
// other container formats are rejected with ErrUnsupportedFormat.
func Decode(data []byte, name string) (*Clip, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav", "":
		return DecodeWAV(data)
	case ".mp3":
		return DecodeMP3(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(name))
	}
}

// DecodeWAV parses a RIFF/WAVE file.
func DecodeWAV(data []byte) (*Clip, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	if !decoder.IsValidFile() {
		return nil, ErrInvalidWAV
	}

	buffer, bufferErr := decoder.FullPCMBuffer()
	if bufferErr != nil {
		return nil, fmt.Errorf("failed to read WAV samples: %w", bufferErr)
	}

	return &Clip{
		Samples: buffer.Data,
		Format: core.PCMFormat{
			SampleRate: int(decoder.SampleRate),
			Channels:   int(decoder.NumChans),
			BitDepth:   int(decoder.BitDepth),
		},
	}, nil
}

// DecodeMP3 decodes an MP3 stream to 16-bit stereo.
func DecodeMP3(data []byte) (*Clip, error) {
	decoder, decoderErr := mp3.NewDecoder(bytes.NewReader(data))
	if decoderErr != nil {
		return nil, fmt.Errorf("failed to open MP3 stream: %w", decoderErr)
	}

	raw, readErr := io.ReadAll(decoder)
	if readErr != nil {
		return nil, fmt.Errorf("failed to decode MP3 stream: %w", readErr)
	}

	if len(raw) == 0 {
		return nil, ErrEmptyAudio
	}

	format := core.PCMFormat{SampleRate: decoder.SampleRate(), Channels: mp3Channels, BitDepth: mp3BitDepth}

	return FromPCM(raw, format)
}

// FromPCM converts little-endian PCM bytes into a Clip. 8-bit data is unsigned.
func FromPCM(pcm []byte, format core.PCMFormat) (*Clip, error) {
	validateErr := ValidatePCMFormat(format)
	if validateErr != nil {
		return nil, validateErr
	}

	if len(pcm)%format.FrameSize() != 0 {
		return nil, fmt.Errorf("%w: %d bytes, frame size %d", ErrMisalignedPCM, len(pcm), format.FrameSize())
	}

	width := format.BitDepth / bitsPerByte
	samples := make([]int, len(pcm)/width)

	for i := range samples {
		chunk := pcm[i*width : (i+1)*width]

		switch format.BitDepth {
		case BitDepth8:
			samples[i] = int(chunk[0]) - 128
		case BitDepth16:
			samples[i] = int(int16(binary.LittleEndian.Uint16(chunk)))
		case BitDepth24:
			value := int32(chunk[0]) | int32(chunk[1])<<8 | int32(chunk[2])<<16
			samples[i] = int(value<<8) >> 8
		case BitDepth32:
			samples[i] = int(int32(binary.LittleEndian.Uint32(chunk)))
		}
	}

	return &Clip{Samples: samples, Format: format}, nil
}

// PCM renders the clip as little-endian PCM bytes.
func (c *Clip) PCM() []byte {
	width := c.Format.BitDepth / bitsPerByte
	out := make([]byte, len(c.Samples)*width)

	for i, sample := range c.Samples {
		chunk := out[i*width : (i+1)*width]

		switch c.Format.BitDepth {
		case BitDepth8:
			chunk[0] = byte(sample + 128)
		case BitDepth16:
			binary.LittleEndian.PutUint16(chunk, uint16(int16(sample)))
		case BitDepth24:
			chunk[0] = byte(sample)
			chunk[1] = byte(sample >> 8)
			chunk[2] = byte(sample >> 16)
		case BitDepth32:
			binary.LittleEndian.PutUint32(chunk, uint32(int32(sample)))
		}
	}

	return out
}

// EncodeWAV writes the clip as a PCM WAV file.
func (c *Clip) EncodeWAV() ([]byte, error) {
	out := &seekBuffer{}

	encoder := wav.NewEncoder(out, c.Format.SampleRate, c.Format.BitDepth, c.Format.Channels, wavPCMFormat)

	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: c.Format.Channels, SampleRate: c.Format.SampleRate},
		Data:           c.Samples,
		SourceBitDepth: c.Format.BitDepth,
	}

	writeErr := encoder.Write(buffer)
	if writeErr != nil {
		return nil, fmt.Errorf("write wav: %w", writeErr)
	}

	closeErr := encoder.Close()
	if closeErr != nil {
		return nil, fmt.Errorf("close wav encoder: %w", closeErr)
	}

	return out.Bytes(), nil
}

// EncodeWAV wraps raw PCM in a WAV container.
func EncodeWAV(pcm []byte, format core.PCMFormat) ([]byte, error) {
	clip, clipErr := FromPCM(pcm, format)
	if clipErr != nil {
		return nil, clipErr
	}

	return clip.EncodeWAV()
}

// Mono averages all channels into one.
func (c *Clip) Mono() *Clip {
	channels := c.Format.Channels
	if channels <= 1 {
		return c
	}

	frames := c.Frames()
	mono := make([]int, frames)

	for frame := range frames {
		sum := 0
		for channel := range channels {
			sum += c.Samples[frame*channels+channel]
		}

		mono[frame] = sum / channels
	}

	format := c.Format
	format.Channels = 1

	return &Clip{Samples: mono, Format: format}
}

// Resample converts the clip to sampleRate by linear interpolation.
func (c *Clip) Resample(sampleRate int) *Clip {
	if sampleRate <= 0 || sampleRate == c.Format.SampleRate || c.Frames() == 0 {
		return c
	}

	channels := c.Format.Channels
	inFrames := c.Frames()
	outFrames := int(int64(inFrames) * int64(sampleRate) / int64(c.Format.SampleRate))
	ratio := float64(c.Format.SampleRate) / float64(sampleRate)
	out := make([]int, outFrames*channels)

	for frame := range outFrames {
		position := float64(frame) * ratio
		left := int(position)
		right := min(left+1, inFrames-1)
		weight := position - float64(left)

		for channel := range channels {
			a := float64(c.Samples[left*channels+channel])
			b := float64(c.Samples[right*channels+channel])
			out[frame*channels+channel] = int(math.Round(a + (b-a)*weight))
		}
	}

	format := c.Format
	format.SampleRate = sampleRate

	return &Clip{Samples: out, Format: format}
}

// NormalizeLoudness scales the clip so its RMS level matches targetDB (dBFS).
// Samples are clipped at full scale.
func (c *Clip) NormalizeLoudness(targetDB float64) (*Clip, error) {
	if len(c.Samples) == 0 {
		return nil, ErrEmptyAudio
	}

	fullScale := float64(int(1) << (c.Format.BitDepth - 1))

	var sumSquares float64

	for _, sample := range c.Samples {
		normalized := float64(sample) / fullScale
		sumSquares += normalized * normalized
	}

	rms := math.Sqrt(sumSquares / float64(len(c.Samples)))
	if rms < minLoudnessRMS {
		return c, nil
	}

	gain := math.Pow(10, targetDB/20) / rms
	limit := fullScale - 1
	out := make([]int, len(c.Samples))

	for i, sample := range c.Samples {
		scaled := math.Round(float64(sample) * gain)
		out[i] = int(math.Max(-fullScale, math.Min(limit, scaled)))
	}

	return &Clip{Samples: out, Format: c.Format}, nil
}

// LoudnessDB returns the RMS level of the clip in dBFS.
func (c *Clip) LoudnessDB() float64 {
	if len(c.Samples) == 0 {
		return math.Inf(-1)
	}

	fullScale := float64(int(1) << (c.Format.BitDepth - 1))

	var sumSquares float64

	for _, sample := range c.Samples {
		normalized := float64(sample) / fullScale
		sumSquares += normalized * normalized
	}

	return 20 * math.Log10(math.Sqrt(sumSquares/float64(len(c.Samples))))
}

// seekBuffer is an in-memory io.WriteSeeker for the WAV encoder, which rewrites
// the header sizes on Close.
type seekBuffer struct {
	data     []byte
	position int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.position + len(p)
	if end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}

	copy(b.data[b.position:end], p)
	b.position = end

	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var base int64

	switch whence {
	case io.SeekStart:
		base = 0
	case io.SeekCurrent:
		base = int64(b.position)
	case io.SeekEnd:
		base = int64(len(b.data))
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}

	next := base + offset
	if next < 0 {
		return 0, fmt.Errorf("negative seek position %d", next)
	}

	b.position = int(next)

	return next, nil
}

func (b *seekBuffer) Bytes() []byte {
	return b.data
}
