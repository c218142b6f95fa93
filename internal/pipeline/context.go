// Package pipeline sequences segmentation, synthesis and assembly over a
// book's chapters and reports progress as structured events.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/book-expert/logger"

	"github.com/book-expert/audiobook-tts/internal/config"
	"github.com/book-expert/audiobook-tts/internal/core"
	"github.com/book-expert/audiobook-tts/internal/telemetry"
	"github.com/book-expert/audiobook-tts/internal/tts"
	"github.com/book-expert/audiobook-tts/internal/tts/audio"
	"github.com/book-expert/audiobook-tts/internal/tts/text"
	"github.com/book-expert/audiobook-tts/internal/tts/ttsutils"
	"github.com/book-expert/audiobook-tts/internal/tts/voice"
	"github.com/book-expert/audiobook-tts/internal/tts/whisper"
)

const workDirName = "work"

// Context owns the long-lived collaborators of a pipeline: the backend client,
// the reference cache and the components built from configuration. One Context
// is shared by every run in a process.
type Context struct {
	Config    *config.Config
	Client    *tts.HTTPClient
	Voices    *voice.Cache
	Segmenter *text.Segmenter
	Scheduler *tts.Scheduler
	Muxer     core.Muxer
	// WorkDir is the root under which each run stages its chapter files.
	WorkDir string
	Metrics *telemetry.Metrics
	Log     *logger.Logger
}

// Option customises NewContext.
type Option func(*Context)

// WithMuxer replaces the ffmpeg muxer.
func WithMuxer(muxer core.Muxer) Option {
	return func(pc *Context) {
		pc.Muxer = muxer
	}
}

// WithMetrics records pipeline metrics on metrics.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(pc *Context) {
		pc.Metrics = metrics
	}
}

// WithWorkDir overrides output.work_dir.
func WithWorkDir(dir string) Option {
	return func(pc *Context) {
		pc.WorkDir = dir
	}
}

// NewContext builds every component from cfg.
func NewContext(cfg *config.Config, log *logger.Logger, opts ...Option) (*Context, error) {
	pc := &Context{
		Config:  cfg,
		WorkDir: cfg.Output.WorkDir,
		Metrics: telemetry.Noop(),
		Log:     log,
	}

	for _, opt := range opts {
		opt(pc)
	}

	if pc.WorkDir == "" {
		pc.WorkDir = filepath.Join(ttsutils.GetCacheDir(), workDirName)
	}

	ffmpeg, ffmpegErr := audio.NewFFmpeg(cfg.Output.FFmpegCommand, log)
	if ffmpegErr != nil {
		return nil, fmt.Errorf("failed to configure muxer: %w", ffmpegErr)
	}

	if pc.Muxer == nil {
		pc.Muxer = ffmpeg
	}

	pc.Client = tts.NewHTTPClient(tts.ClientConfigFrom(&cfg.TTS), log)

	voices, cacheErr := voice.NewCache(voice.Options{
		MaxEntries:        cfg.Voice.MaxCacheSize,
		SampleRate:        cfg.TTS.SampleRate,
		TargetLoudnessDB:  cfg.Voice.TargetLoudnessDB,
		DefaultTranscript: cfg.Voice.DefaultTranscript,
		Transcriber:       newTranscriber(&cfg.Voice, log),
	}, pc.Client, ffmpeg, log)
	if cacheErr != nil {
		return nil, fmt.Errorf("failed to create reference cache: %w", cacheErr)
	}

	pc.Voices = voices

	exceptions := cfg.TTS.Abbreviations
	if len(exceptions) == 0 {
		exceptions = text.DefaultAbbreviations()
	}

	segmenter, segmenterErr := text.NewSegmenter(cfg.TTS.MaxUtteranceLength, exceptions)
	if segmenterErr != nil {
		return nil, fmt.Errorf("failed to create segmenter: %w", segmenterErr)
	}

	pc.Segmenter = segmenter

	schedulerCfg := tts.SchedulerConfig{
		Workers:        cfg.TTS.Workers,
		AbortOnFailure: cfg.TTS.AbortOnFailure(),
		BackendFormat:  cfg.TTS.BackendFormat,
		PCMFormat: core.PCMFormat{
			SampleRate: cfg.TTS.SampleRate,
			Channels:   audio.DefaultPCMFormat.Channels,
			BitDepth:   audio.DefaultPCMFormat.BitDepth,
		},
	}

	if cfg.TTS.NormalizeText {
		schedulerCfg.Normalizer = text.NewNormalizer()
	}

	pc.Scheduler = tts.NewScheduler(pc.Client, schedulerCfg, log, pc.Metrics)

	return pc, nil
}

// newTranscriber returns nil when no transcription key is configured.
func newTranscriber(cfg *config.VoiceConfig, log *logger.Logger) voice.Transcriber {
	key := cfg.TranscribeAPIKey
	if key == "" {
		key = os.Getenv(whisper.EnvOpenAIAPIKey)
	}

	if key == "" {
		return nil
	}

	return whisper.NewClient(whisper.Config{
		URL:      cfg.TranscribeURL,
		APIKey:   key,
		Model:    cfg.TranscribeModel,
		Language: cfg.TranscribeLanguage,
	}, log)
}
