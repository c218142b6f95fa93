// Package config provides the configuration structure for the audiobook pipeline.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"
)

// Failure policies for an utterance that still fails after retries.
const (
	PolicySkip  = "skip"
	PolicyAbort = "abort"
)

// Defaults applied to zero-valued fields.
const (
	defaultServiceURL          = "http://127.0.0.1:8888"
	defaultTimeoutSeconds      = 120
	defaultProbeTimeoutSeconds = 5
	defaultMaxRetries          = 3
	defaultInitialBackoffMs    = 500
	defaultMaxBackoffMs        = 10000
	defaultWorkers             = 1
	defaultBackendFormat       = "wav"
	defaultSampleRate          = 44100
	defaultTemperature         = 0.7
	defaultTopP                = 0.7
	defaultRepetitionPenalty   = 1.2
	defaultChunkLength         = 200
	defaultMaxUtteranceLength  = 200
	defaultMaxCacheSize        = 50
	defaultTargetLoudnessDB    = -14.0
	defaultOutputFormat        = "m4b"
	defaultOutputDir           = "output"
	defaultFFmpegCommand       = "ffmpeg -hide_banner -loglevel error"
	defaultArtist              = "Fish-Speech TTS"
	defaultProgressSubject     = "audiobook.progress"
)

// Validation limits.
const (
	minSamplingParam     = 0.1
	maxSamplingParam     = 1.0
	minRepetitionPenalty = 0.9
	maxRepetitionPenalty = 2.0
	maxWorkers           = 16
	maxRetriesLimit      = 10
	minUtteranceLength   = 10
	maxUtteranceLength   = 5000
	minChunkLength       = 100
	maxChunkLength       = 300
)

// Error formats.
const (
	errFmtLoadFile         = "failed to read config file %s: %w"
	errFmtDecodeFile       = "failed to decode config file %s: %w"
	errFmtLoadConfigurator = "failed to load configuration from configurator: %w"
)

// Validation errors.
var (
	ErrServiceURLEmpty        = errors.New("tts_service.url cannot be empty")
	ErrTemperatureRange       = errors.New("temperature must be between 0.1 and 1.0")
	ErrTopPRange              = errors.New("top_p must be between 0.1 and 1.0")
	ErrRepetitionPenaltyRange = errors.New("repetition_penalty must be between 0.9 and 2.0")
	ErrWorkersRange           = errors.New("workers must be between 1 and 16")
	ErrMaxRetriesRange        = errors.New("max_retries must be between 0 and 10")
	ErrUtteranceLengthRange   = errors.New("max_utterance_length must be between 10 and 5000")
	ErrChunkLengthRange       = errors.New("chunk_length must be between 100 and 300")
	ErrFailurePolicy          = errors.New("failure_policy must be \"skip\" or \"abort\"")
	ErrCacheSize              = errors.New("voice.max_cache_size must be at least 1")
	ErrOutputFormat           = errors.New("unsupported output format")
	ErrBackendFormat          = errors.New("backend_format must be \"wav\" or \"pcm\"")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL                      string `toml:"url"`
	TTStreamName             string `toml:"tts_stream_name"`
	TTSConsumerName          string `toml:"tts_consumer_name"`
	TextProcessedSubject     string `toml:"text_processed_subject"`
	AudioChunkCreatedSubject string `toml:"audio_chunk_created_subject"`
	AudioObjectStoreBucket   string `toml:"audio_object_store_bucket"`
	ProgressSubject          string `toml:"progress_subject"`
}

// TTSServiceConfig describes the remote synthesis backend and how it is driven.
type TTSServiceConfig struct {
	URL                 string   `toml:"url"`
	APIKey              string   `toml:"api_key"`
	TimeoutSeconds      int      `toml:"timeout_seconds"`
	ProbeTimeoutSeconds int      `toml:"probe_timeout_seconds"`
	MaxRetries          *int     `toml:"max_retries"`
	InitialBackoffMs    int      `toml:"initial_backoff_ms"`
	MaxBackoffMs        int      `toml:"max_backoff_ms"`
	Workers             int      `toml:"workers"`
	FailurePolicy       string   `toml:"failure_policy"`
	BackendFormat       string   `toml:"backend_format"`
	SampleRate          int      `toml:"sample_rate"`
	Temperature         float64  `toml:"temperature"`
	TopP                float64  `toml:"top_p"`
	RepetitionPenalty   float64  `toml:"repetition_penalty"`
	ChunkLength         int      `toml:"chunk_length"`
	MaxUtteranceLength  int      `toml:"max_utterance_length"`
	Abbreviations       []string `toml:"abbreviations"`
	NormalizeText       bool     `toml:"normalize_text"`
}

// VoiceConfig controls reference-voice handling.
type VoiceConfig struct {
	MaxCacheSize      int     `toml:"max_cache_size"`
	TargetLoudnessDB  float64 `toml:"target_loudness_db"`
	RequireReference  bool    `toml:"require_reference"`
	DefaultTranscript string  `toml:"default_transcript"`
	// Reference clips without a transcript are transcribed when an API key is
	// set here or in OPENAI_API_KEY.
	TranscribeURL      string `toml:"transcribe_url"`
	TranscribeAPIKey   string `toml:"transcribe_api_key"`
	TranscribeModel    string `toml:"transcribe_model"`
	TranscribeLanguage string `toml:"transcribe_language"`
}

// OutputConfig controls the final container.
type OutputConfig struct {
	Format        string `toml:"format"`
	Dir           string `toml:"dir"`
	WorkDir       string `toml:"work_dir"`
	FFmpegCommand string `toml:"ffmpeg_command"`
	Artist        string `toml:"artist"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// TelemetryConfig controls the metrics endpoint of the service.
type TelemetryConfig struct {
	MetricsAddr string `toml:"metrics_addr"`
}

// Config is the root configuration structure.
type Config struct {
	NATS      NATSConfig       `toml:"nats"`
	TTS       TTSServiceConfig `toml:"tts_service"`
	Voice     VoiceConfig      `toml:"voice"`
	Output    OutputConfig     `toml:"output"`
	Paths     PathsConfig      `toml:"paths"`
	Telemetry TelemetryConfig  `toml:"telemetry"`
}

// Load loads the service configuration through the central configurator.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf(errFmtLoadConfigurator, err)
	}

	return finalize(&cfg)
}

// LoadFile reads a TOML file. An empty path yields the defaults.
func LoadFile(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf(errFmtLoadFile, path, err)
		}

		err = toml.Unmarshal(data, &cfg)
		if err != nil {
			return nil, fmt.Errorf(errFmtDecodeFile, path, err)
		}
	}

	return finalize(&cfg)
}

// Default returns a validated configuration built entirely from defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()

	return cfg
}

func finalize(cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with their documented defaults.
func (c *Config) ApplyDefaults() {
	setDefault(&c.TTS.URL, defaultServiceURL)
	setDefault(&c.TTS.TimeoutSeconds, defaultTimeoutSeconds)
	setDefault(&c.TTS.ProbeTimeoutSeconds, defaultProbeTimeoutSeconds)
	setDefault(&c.TTS.InitialBackoffMs, defaultInitialBackoffMs)
	setDefault(&c.TTS.MaxBackoffMs, defaultMaxBackoffMs)
	setDefault(&c.TTS.Workers, defaultWorkers)
	setDefault(&c.TTS.FailurePolicy, PolicySkip)
	setDefault(&c.TTS.BackendFormat, defaultBackendFormat)
	setDefault(&c.TTS.SampleRate, defaultSampleRate)
	setDefault(&c.TTS.Temperature, defaultTemperature)
	setDefault(&c.TTS.TopP, defaultTopP)
	setDefault(&c.TTS.RepetitionPenalty, defaultRepetitionPenalty)
	setDefault(&c.TTS.ChunkLength, defaultChunkLength)
	setDefault(&c.TTS.MaxUtteranceLength, defaultMaxUtteranceLength)
	setDefault(&c.Voice.MaxCacheSize, defaultMaxCacheSize)
	setDefault(&c.Voice.TargetLoudnessDB, defaultTargetLoudnessDB)
	setDefault(&c.Output.Format, defaultOutputFormat)
	setDefault(&c.Output.Dir, defaultOutputDir)
	setDefault(&c.Output.FFmpegCommand, defaultFFmpegCommand)
	setDefault(&c.Output.Artist, defaultArtist)
	setDefault(&c.NATS.ProgressSubject, defaultProgressSubject)

	// Zero retries is a legitimate setting, so only an absent value means unset.
	if c.TTS.MaxRetries == nil {
		retries := defaultMaxRetries
		c.TTS.MaxRetries = &retries
	}
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	tts := c.TTS

	switch {
	case tts.URL == "":
		return ErrServiceURLEmpty
	case tts.Workers < 1 || tts.Workers > maxWorkers:
		return fmt.Errorf("%w: got %d", ErrWorkersRange, tts.Workers)
	case tts.Retries() < 0 || tts.Retries() > maxRetriesLimit:
		return fmt.Errorf("%w: got %d", ErrMaxRetriesRange, tts.Retries())
	case tts.MaxUtteranceLength < minUtteranceLength || tts.MaxUtteranceLength > maxUtteranceLength:
		return fmt.Errorf("%w: got %d", ErrUtteranceLengthRange, tts.MaxUtteranceLength)
	case tts.FailurePolicy != PolicySkip && tts.FailurePolicy != PolicyAbort:
		return fmt.Errorf("%w: got %q", ErrFailurePolicy, tts.FailurePolicy)
	case tts.BackendFormat != "wav" && tts.BackendFormat != "pcm":
		return fmt.Errorf("%w: got %q", ErrBackendFormat, tts.BackendFormat)
	case c.Voice.MaxCacheSize < 1:
		return fmt.Errorf("%w: got %d", ErrCacheSize, c.Voice.MaxCacheSize)
	case !slices.Contains(SupportedOutputFormats(), c.Output.Format):
		return fmt.Errorf("%w: %q", ErrOutputFormat, c.Output.Format)
	}

	return ValidateInference(tts.Temperature, tts.TopP, tts.RepetitionPenalty, tts.ChunkLength)
}

// ValidateInference checks the sampling parameters sent with each synthesis call.
func ValidateInference(temperature, topP, repetitionPenalty float64, chunkLength int) error {
	switch {
	case temperature < minSamplingParam || temperature > maxSamplingParam:
		return fmt.Errorf("%w: got %.2f", ErrTemperatureRange, temperature)
	case topP < minSamplingParam || topP > maxSamplingParam:
		return fmt.Errorf("%w: got %.2f", ErrTopPRange, topP)
	case repetitionPenalty < minRepetitionPenalty || repetitionPenalty > maxRepetitionPenalty:
		return fmt.Errorf("%w: got %.2f", ErrRepetitionPenaltyRange, repetitionPenalty)
	case chunkLength < minChunkLength || chunkLength > maxChunkLength:
		return fmt.Errorf("%w: got %d", ErrChunkLengthRange, chunkLength)
	}

	return nil
}

// SupportedOutputFormats lists the final container formats.
func SupportedOutputFormats() []string {
	return []string{"wav", "mp3", "flac", "aac", "m4b", "m4a"}
}

// Timeout returns the per-call synthesis timeout.
func (t TTSServiceConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// ProbeTimeout returns the reachability probe timeout.
func (t TTSServiceConfig) ProbeTimeout() time.Duration {
	return time.Duration(t.ProbeTimeoutSeconds) * time.Second
}

// Retries returns the configured retry count for transient synthesis failures.
func (t TTSServiceConfig) Retries() int {
	if t.MaxRetries == nil {
		return defaultMaxRetries
	}

	return *t.MaxRetries
}

// AbortOnFailure reports whether a failed utterance is fatal for its chapter.
func (t TTSServiceConfig) AbortOnFailure() bool {
	return t.FailurePolicy == PolicyAbort
}
