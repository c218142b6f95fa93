// Package tts talks to the Fish-Speech HTTP backend and schedules utterance
// synthesis across a bounded worker pool.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/cenkalti/backoff/v5"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/book-expert/audiobook-tts/internal/config"
	"github.com/book-expert/audiobook-tts/internal/core"
)

// API endpoints and paths.
const (
	apiTTS    = "/v1/tts"
	apiEncode = "/v1/vqgan/encode"
	apiRoot   = "/"
)

// HTTP headers.
const (
	headerContentType   = "Content-Type"
	headerAuthorization = "Authorization"
	contentTypeJSON     = "application/json"
	contentTypeMsgpack  = "application/msgpack"
	maxErrorBodyBytes   = 4096
)

const (
	errFmtServiceStatus  = "TTS service returned status %d"
	errFmtRequestBuild   = "%w: failed to create request: %w"
	errFmtPayloadEncode  = "failed to encode request payload: %w"
	errFmtEncodeResponse = "failed to decode encode response: %w"
	logFmtRetry          = "Retrying synthesis for chapter %d utterance %d in %s: %v"
	logFmtProbeOK        = "TTS backend reachable at %s"
	remediationFmt       = "Start the Fish-Speech API server so it listens on %s " +
		"(for example: python -m tools.api_server --listen %s)"
	remediationAuth = "The backend rejected the request; check tts_service.api_key"
)

// Errors returned by the client.
var (
	ErrTextEmpty     = errors.New("text cannot be empty")
	ErrEmptyAudio    = errors.New("received empty audio data")
	ErrEmptyEncoding = errors.New("backend returned no reference tokens")
)

// Options carries the inference parameters forwarded on every synthesis call.
type Options struct {
	Temperature       float64
	TopP              float64
	RepetitionPenalty float64
	ChunkLength       int
	Normalize         bool
	Seed              int
}

// ClientConfig configures an HTTPClient.
type ClientConfig struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	ProbeTimeout   time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Format         string
	Options        Options
}

// ClientConfigFrom maps the [tts_service] section onto a ClientConfig.
func ClientConfigFrom(cfg *config.TTSServiceConfig) ClientConfig {
	return ClientConfig{
		BaseURL:        strings.TrimRight(cfg.URL, "/"),
		APIKey:         cfg.APIKey,
		Timeout:        cfg.Timeout(),
		ProbeTimeout:   cfg.ProbeTimeout(),
		MaxRetries:     cfg.Retries(),
		InitialBackoff: time.Duration(cfg.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.MaxBackoffMs) * time.Millisecond,
		Format:         cfg.BackendFormat,
		Options: Options{
			Temperature:       cfg.Temperature,
			TopP:              cfg.TopP,
			RepetitionPenalty: cfg.RepetitionPenalty,
			ChunkLength:       cfg.ChunkLength,
			Normalize:         cfg.NormalizeText,
		},
	}
}

// CallOptions adjusts a single Synthesize call.
type CallOptions struct {
	// Timeout bounds each attempt; zero uses the client default.
	Timeout time.Duration
	// ChapterIndex and Ordinal label errors and log lines.
	ChapterIndex int
	Ordinal      int
	// Options overrides the client inference options when set.
	Options *Options
	// OnRetry is called before each retry with the 1-based attempt that failed.
	OnRetry func(attempt int, err error)
}

type referencePayload struct {
	Audio []byte `json:"audio" msgpack:"audio"`
	Text  string `json:"text"  msgpack:"text"`
}

type ttsPayload struct {
	Text              string             `json:"text"                         msgpack:"text"`
	Format            string             `json:"format"                       msgpack:"format"`
	Streaming         bool               `json:"streaming"                    msgpack:"streaming"`
	References        []referencePayload `json:"references,omitempty"         msgpack:"references,omitempty"`
	Temperature       float64            `json:"temperature,omitempty"        msgpack:"temperature,omitempty"`
	TopP              float64            `json:"top_p,omitempty"              msgpack:"top_p,omitempty"`
	RepetitionPenalty float64            `json:"repetition_penalty,omitempty" msgpack:"repetition_penalty,omitempty"`
	ChunkLength       int                `json:"chunk_length,omitempty"       msgpack:"chunk_length,omitempty"`
	Normalize         bool               `json:"normalize"                    msgpack:"normalize"`
	Seed              int                `json:"seed,omitempty"               msgpack:"seed,omitempty"`
}

type encodePayload struct {
	Audios [][]byte `msgpack:"audios"`
}

type encodeResponse struct {
	Tokens [][][]int `msgpack:"tokens"`
}

// HTTPClient is the synthesis client for a Fish-Speech backend. It is safe for
// concurrent use; the reachability probe runs once before the first synthesis.
type HTTPClient struct {
	httpClient *http.Client
	cfg        ClientConfig
	log        *logger.Logger

	probeMu sync.Mutex
	probed  bool
}

// NewHTTPClient creates a client. Per-attempt deadlines come from contexts, so the
// underlying http.Client carries no global timeout.
func NewHTTPClient(cfg ClientConfig, log *logger.Logger) *HTTPClient {
	return &HTTPClient{
		httpClient: &http.Client{},
		cfg:        cfg,
		log:        log,
	}
}

// BaseURL returns the backend address.
func (c *HTTPClient) BaseURL() string {
	return c.cfg.BaseURL
}

// Probe issues a GET to the backend root. Only 200 counts as available; 401 and
// 403 point the operator at the API key.
func (c *HTTPClient) Probe(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	req, reqErr := http.NewRequestWithContext(probeCtx, http.MethodGet, c.cfg.BaseURL+apiRoot, http.NoBody)
	if reqErr != nil {
		return c.unavailable(reqErr, "")
	}

	c.authorize(req)

	resp, doErr := c.httpClient.Do(req)
	if doErr != nil {
		return c.unavailable(doErr, "")
	}

	defer func() { _ = resp.Body.Close() }()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return c.unavailable(fmt.Errorf(errFmtServiceStatus, resp.StatusCode), remediationAuth)
	default:
		return c.unavailable(fmt.Errorf(errFmtServiceStatus, resp.StatusCode), "")
	}

	c.probeMu.Lock()
	c.probed = true
	c.probeMu.Unlock()

	c.log.Info(logFmtProbeOK, c.cfg.BaseURL)

	return nil
}

// Available reports whether Probe succeeds.
func (c *HTTPClient) Available(ctx context.Context) bool {
	return c.Probe(ctx) == nil
}

// Synthesize returns the audio bytes for req, retrying transient failures with
// exponential backoff. Every failure is returned as a *core.SynthesisError, or as a
// *core.BackendUnavailableError when the first-use probe fails.
func (c *HTTPClient) Synthesize(ctx context.Context, req core.SynthesisRequest, call CallOptions) ([]byte, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, malformedRequest(call, ErrTextEmpty)
	}

	probeErr := c.ensureProbed(ctx)
	if probeErr != nil {
		return nil, probeErr
	}

	body, contentType, payloadErr := c.encodeTTSPayload(req, call)
	if payloadErr != nil {
		return nil, malformedRequest(call, payloadErr)
	}

	return c.postWithRetry(ctx, apiTTS, body, contentType, call)
}

// SynthesizeStream issues one streaming request and returns the response body.
// The caller must close the reader. Streaming calls are not retried.
func (c *HTTPClient) SynthesizeStream(ctx context.Context, req core.SynthesisRequest, call CallOptions) (io.ReadCloser, error) {
	probeErr := c.ensureProbed(ctx)
	if probeErr != nil {
		return nil, probeErr
	}

	req.Streaming = true

	body, contentType, payloadErr := c.encodeTTSPayload(req, call)
	if payloadErr != nil {
		return nil, malformedRequest(call, payloadErr)
	}

	resp, respErr := c.send(ctx, apiTTS, body, contentType)
	if respErr != nil {
		return nil, labelError(respErr, call)
	}

	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()

		return nil, labelError(statusError(resp), call)
	}

	return resp.Body, nil
}

// Encode asks the backend to derive reference tokens from a WAV clip.
func (c *HTTPClient) Encode(ctx context.Context, wav []byte) ([][]int, error) {
	body, marshalErr := msgpack.Marshal(encodePayload{Audios: [][]byte{wav}})
	if marshalErr != nil {
		return nil, fmt.Errorf(errFmtPayloadEncode, marshalErr)
	}

	probeErr := c.ensureProbed(ctx)
	if probeErr != nil {
		return nil, probeErr
	}

	data, postErr := c.postWithRetry(ctx, apiEncode, body, contentTypeMsgpack, CallOptions{})
	if postErr != nil {
		return nil, postErr
	}

	var decoded encodeResponse

	decodeErr := msgpack.Unmarshal(data, &decoded)
	if decodeErr != nil {
		return nil, fmt.Errorf(errFmtEncodeResponse, decodeErr)
	}

	if len(decoded.Tokens) == 0 || len(decoded.Tokens[0]) == 0 {
		return nil, ErrEmptyEncoding
	}

	return decoded.Tokens[0], nil
}

func (c *HTTPClient) ensureProbed(ctx context.Context) error {
	c.probeMu.Lock()
	probed := c.probed
	c.probeMu.Unlock()

	if probed {
		return nil
	}

	return c.Probe(ctx)
}

func (c *HTTPClient) postWithRetry(
	ctx context.Context,
	path string,
	body []byte,
	contentType string,
	call CallOptions,
) ([]byte, error) {
	timeout := c.cfg.Timeout
	if call.Timeout > 0 {
		timeout = call.Timeout
	}

	attempt := 0

	operation := func() ([]byte, error) {
		attempt++

		data, err := c.attempt(ctx, timeout, path, body, contentType)
		if err == nil {
			return data, nil
		}

		err = labelError(err, call)

		var synthErr *core.SynthesisError
		if ctx.Err() != nil || !errors.As(err, &synthErr) || !synthErr.Transient() {
			return nil, backoff.Permanent(err)
		}

		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.InitialBackoff
	policy.MaxInterval = c.cfg.MaxBackoff

	notify := func(err error, wait time.Duration) {
		c.log.Warn(logFmtRetry, call.ChapterIndex, call.Ordinal, wait, err)

		if call.OnRetry != nil {
			call.OnRetry(attempt, err)
		}
	}

	data, retryErr := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries)+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if retryErr != nil {
		var synthErr *core.SynthesisError
		if errors.As(retryErr, &synthErr) {
			return nil, retryErr
		}

		return nil, &core.SynthesisError{ChapterIndex: call.ChapterIndex, Ordinal: call.Ordinal, Err: retryErr}
	}

	return data, nil
}

func (c *HTTPClient) attempt(
	ctx context.Context,
	timeout time.Duration,
	path string,
	body []byte,
	contentType string,
) ([]byte, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, respErr := c.send(attemptCtx, path, body, contentType)
	if respErr != nil {
		return nil, respErr
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, &core.SynthesisError{Err: fmt.Errorf("failed to read audio data: %w", readErr)}
	}

	if len(data) == 0 {
		return nil, &core.SynthesisError{Err: ErrEmptyAudio}
	}

	return data, nil
}

func malformedRequest(call CallOptions, err error) *core.SynthesisError {
	return &core.SynthesisError{
		ChapterIndex: call.ChapterIndex,
		Ordinal:      call.Ordinal,
		Err:          fmt.Errorf("%w: %w", core.ErrMalformedRequest, err),
	}
}

func (c *HTTPClient) send(ctx context.Context, path string, body []byte, contentType string) (*http.Response, error) {
	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if reqErr != nil {
		return nil, &core.SynthesisError{Err: fmt.Errorf(errFmtRequestBuild, core.ErrMalformedRequest, reqErr)}
	}

	req.Header.Set(headerContentType, contentType)
	c.authorize(req)

	resp, doErr := c.httpClient.Do(req)
	if doErr != nil {
		return nil, &core.SynthesisError{
			Err: fmt.Errorf("failed to send request to TTS service at %s: %w", c.cfg.BaseURL, doErr),
		}
	}

	return resp, nil
}

// encodeTTSPayload selects JSON when no reference is attached and msgpack when the
// request carries reference audio.
func (c *HTTPClient) encodeTTSPayload(req core.SynthesisRequest, call CallOptions) ([]byte, string, error) {
	options := c.cfg.Options
	if call.Options != nil {
		options = *call.Options
	}

	format := req.Format
	if format == "" {
		format = c.cfg.Format
	}

	payload := ttsPayload{
		Text:              req.Text,
		Format:            format,
		Streaming:         req.Streaming,
		Temperature:       options.Temperature,
		TopP:              options.TopP,
		RepetitionPenalty: options.RepetitionPenalty,
		ChunkLength:       options.ChunkLength,
		Normalize:         options.Normalize,
		Seed:              options.Seed,
	}

	if req.Reference == nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, "", fmt.Errorf(errFmtPayloadEncode, err)
		}

		return body, contentTypeJSON, nil
	}

	audio := req.Reference.NormalizedAudio
	if len(audio) == 0 {
		audio = req.Reference.RawAudio
	}

	payload.References = []referencePayload{{Audio: audio, Text: req.Reference.Transcript}}

	body, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf(errFmtPayloadEncode, err)
	}

	return body, contentTypeMsgpack, nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set(headerAuthorization, "Bearer "+c.cfg.APIKey)
	}
}

func (c *HTTPClient) unavailable(err error, remediation string) error {
	if remediation == "" {
		address := strings.TrimPrefix(strings.TrimPrefix(c.cfg.BaseURL, "http://"), "https://")
		remediation = fmt.Sprintf(remediationFmt, address, address)
	}

	return &core.BackendUnavailableError{Address: c.cfg.BaseURL, Remediation: remediation, Err: err}
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	return &core.SynthesisError{
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
		Err:        fmt.Errorf(errFmtServiceStatus, resp.StatusCode),
	}
}

func labelError(err error, call CallOptions) error {
	var synthErr *core.SynthesisError
	if errors.As(err, &synthErr) {
		synthErr.ChapterIndex = call.ChapterIndex
		synthErr.Ordinal = call.Ordinal
	}

	return err
}
