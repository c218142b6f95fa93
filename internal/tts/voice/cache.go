// Package voice loads reference clips, normalises them for the backend and caches
// the results by content hash.
package voice

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/book-expert/audiobook-tts/internal/core"
	"github.com/book-expert/audiobook-tts/internal/tts/audio"
)

const (
	logFmtLoaded            = "Loaded reference voice %s from %s (%s, %d Hz, %.1f dBFS)"
	logFmtEvicted           = "Evicted reference voice %s"
	logFmtTranscribed       = "Transcribed reference voice %s: %q"
	logFmtTranscriptionFail = "Could not transcribe reference voice %s, continuing without transcript: %v"
)

const defaultBuildTimeout = 2 * time.Minute

// Errors returned while loading a reference.
var (
	ErrNoSource             = errors.New("reference source has neither a path nor data")
	ErrUnsupportedExtension = errors.New("unsupported reference audio extension")
	ErrCacheSize            = errors.New("cache size must be positive")
)

// SupportedExtensions lists the reference file types accepted by Load.
func SupportedExtensions() []string {
	return []string{".wav", ".mp3", ".ogg", ".m4a", ".flac"}
}

// Encoder derives backend reference tokens from a normalised WAV clip.
type Encoder interface {
	Encode(ctx context.Context, wav []byte) ([][]int, error)
}

// Transcoder converts audio the native decoders cannot read into WAV.
type Transcoder interface {
	ToWAV(ctx context.Context, data []byte) ([]byte, error)
}

// Transcriber recovers the spoken text of a normalised WAV clip.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

// Source identifies a reference clip. Data wins over Path when both are set;
// Name supplies the extension for in-memory data.
type Source struct {
	Path       string
	Name       string
	Data       []byte
	Transcript string
}

func (s Source) label() string {
	if s.Path != "" {
		return s.Path
	}

	if s.Name != "" {
		return s.Name
	}

	return "<memory>"
}

func (s Source) extension() string {
	name := s.Name
	if name == "" {
		name = s.Path
	}

	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ".wav"
	}

	return ext
}

// Options configures a Cache.
type Options struct {
	MaxEntries        int
	SampleRate        int
	TargetLoudnessDB  float64
	DefaultTranscript string
	// Transcriber fills in the transcript when neither the source nor
	// DefaultTranscript provides one.
	Transcriber Transcriber
	// BuildTimeout bounds one shared decode. Zero means two minutes.
	BuildTimeout time.Duration
}

// Cache holds decoded references keyed by a hash of the clip and transcript.
// Concurrent loads of the same clip share one decode. Failed loads are not cached.
// When full, the earliest inserted entry is evicted; lookups do not refresh order.
type Cache struct {
	entries    *lru.Cache[string, *core.ReferenceVoice]
	group      singleflight.Group
	encoder    Encoder
	transcoder Transcoder
	opts       Options
	log        *logger.Logger
}

// NewCache creates a cache. encoder and transcoder may be nil.
func NewCache(opts Options, encoder Encoder, transcoder Transcoder, log *logger.Logger) (*Cache, error) {
	if opts.MaxEntries <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrCacheSize, opts.MaxEntries)
	}

	cache := &Cache{
		encoder:    encoder,
		transcoder: transcoder,
		opts:       opts,
		log:        log,
	}

	entries, lruErr := lru.NewWithEvict(opts.MaxEntries, func(key string, _ *core.ReferenceVoice) {
		log.Info(logFmtEvicted, key)
	})
	if lruErr != nil {
		return nil, fmt.Errorf("failed to create reference cache: %w", lruErr)
	}

	cache.entries = entries

	return cache, nil
}

// Load returns the reference for src, decoding and normalising it on first use.
// The shared decode is detached from ctx: a caller that gives up returns early
// while the decode finishes for the callers still waiting.
func (c *Cache) Load(ctx context.Context, src Source) (*core.ReferenceVoice, error) {
	data, readErr := c.read(src)
	if readErr != nil {
		return nil, &core.ReferenceLoadError{Source: src.label(), Err: readErr}
	}

	ext := src.extension()
	if !slices.Contains(SupportedExtensions(), ext) {
		return nil, &core.ReferenceLoadError{
			Source: src.label(),
			Err:    fmt.Errorf("%w: %s", ErrUnsupportedExtension, ext),
		}
	}

	transcript := src.Transcript
	if transcript == "" {
		transcript = c.opts.DefaultTranscript
	}

	id := Key(data, transcript)
	if voice, found := c.entries.Peek(id); found {
		return voice, nil
	}

	results := c.group.DoChan(id, func() (any, error) {
		if voice, found := c.entries.Peek(id); found {
			return voice, nil
		}

		buildCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.buildTimeout())
		defer cancel()

		voice, buildErr := c.build(buildCtx, id, data, ext, transcript)
		if buildErr != nil {
			return nil, &core.ReferenceLoadError{Source: src.label(), Err: buildErr}
		}

		c.entries.Add(id, voice)
		c.log.Info(logFmtLoaded, id[:12], src.label(),
			humanize.Bytes(uint64(len(data))), voice.SampleRate, c.opts.TargetLoudnessDB)

		return voice, nil
	})

	var result singleflight.Result

	select {
	case result = <-results:
	case <-ctx.Done():
		return nil, &core.ReferenceLoadError{Source: src.label(), Err: ctx.Err()}
	}

	if result.Err != nil {
		return nil, result.Err
	}

	voice, _ := result.Val.(*core.ReferenceVoice)

	return voice, nil
}

func (c *Cache) buildTimeout() time.Duration {
	if c.opts.BuildTimeout > 0 {
		return c.opts.BuildTimeout
	}

	return defaultBuildTimeout
}

// Contains reports whether id is cached.
func (c *Cache) Contains(id string) bool {
	return c.entries.Contains(id)
}

// Evict drops id from the cache and reports whether it was present.
func (c *Cache) Evict(id string) bool {
	return c.entries.Remove(id)
}

// Len returns the number of cached references.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Keys returns cached ids from oldest to newest insertion.
func (c *Cache) Keys() []string {
	return c.entries.Keys()
}

// Key is the cache id for a clip and transcript.
func Key(data []byte, transcript string) string {
	hash := sha256.New()
	hash.Write(data)
	hash.Write([]byte{0})
	hash.Write([]byte(transcript))

	return hex.EncodeToString(hash.Sum(nil))
}

func (c *Cache) read(src Source) ([]byte, error) {
	if len(src.Data) > 0 {
		return src.Data, nil
	}

	if src.Path == "" {
		return nil, ErrNoSource
	}

	data, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference file: %w", err)
	}

	return data, nil
}

func (c *Cache) build(ctx context.Context, id string, data []byte, ext, transcript string) (*core.ReferenceVoice, error) {
	clip, decodeErr := c.decode(ctx, data, ext)
	if decodeErr != nil {
		return nil, decodeErr
	}

	clip = clip.Mono().Resample(c.opts.SampleRate)

	normalized, normalizeErr := clip.NormalizeLoudness(c.opts.TargetLoudnessDB)
	if normalizeErr != nil {
		return nil, normalizeErr
	}

	wav, encodeErr := normalized.EncodeWAV()
	if encodeErr != nil {
		return nil, encodeErr
	}

	if transcript == "" && c.opts.Transcriber != nil {
		transcript = c.transcribe(ctx, id, wav)
	}

	voice := &core.ReferenceVoice{
		ID:              id,
		Transcript:      transcript,
		RawAudio:        data,
		NormalizedAudio: wav,
		SampleRate:      normalized.Format.SampleRate,
	}

	if c.encoder != nil {
		embedding, embedErr := c.encoder.Encode(ctx, wav)
		if embedErr != nil {
			return nil, fmt.Errorf("failed to encode reference: %w", embedErr)
		}

		voice.Embedding = embedding
	}

	return voice, nil
}

func (c *Cache) transcribe(ctx context.Context, id string, wav []byte) string {
	text, err := c.opts.Transcriber.Transcribe(ctx, wav)
	if err != nil {
		c.log.Warn(logFmtTranscriptionFail, id[:12], err)

		return ""
	}

	c.log.Info(logFmtTranscribed, id[:12], text)

	return text
}

func (c *Cache) decode(ctx context.Context, data []byte, ext string) (*audio.Clip, error) {
	clip, err := audio.Decode(data, ext)
	if err == nil || !errors.Is(err, audio.ErrUnsupportedFormat) || c.transcoder == nil {
		return clip, err
	}

	wav, transcodeErr := c.transcoder.ToWAV(ctx, data)
	if transcodeErr != nil {
		return nil, transcodeErr
	}

	return audio.DecodeWAV(wav)
}
