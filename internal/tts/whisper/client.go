// Package whisper transcribes reference voice clips through an
// OpenAI-compatible /v1/audio/transcriptions endpoint.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/cenkalti/backoff/v5"
)

// Error messages.
const (
	errFailedToCreateFormFile  = "failed to create form file: %w"
	errFailedToCopyFileData    = "failed to copy file data: %w"
	errFailedToWriteField      = "failed to write %s field: %w"
	errFailedToCloseWriter     = "failed to close multipart writer: %w"
	errFailedToCreateRequest   = "failed to create request: %w"
	errFailedToMakeRequest     = "failed to make request: %w"
	errAPIRequestFailed        = "API request failed with status %d: %s"
	errFailedToDecodeResponse  = "failed to decode response: %w"
	logFmtTranscriptionRetried = "Transcription failed, retrying in %s: %v"
)

// HTTP headers.
const (
	headerAuthorization = "Authorization"
	headerContentType   = "Content-Type"
)

// Form field names.
const (
	formFieldFile           = "file"
	formFieldModel          = "model"
	formFieldLanguage       = "language"
	formFieldResponseFormat = "response_format"
)

const (
	// EnvOpenAIAPIKey is read when Config.APIKey is empty.
	EnvOpenAIAPIKey = "OPENAI_API_KEY"

	defaultURL       = "https://api.openai.com/v1/audio/transcriptions"
	defaultModel     = "whisper-1"
	defaultTimeout   = 60 * time.Second
	maxAttempts      = 3
	maxErrorBody     = 4096
	uploadFileName   = "reference.wav"
	responseFormatJS = "json"
)

// ErrEmptyTranscript is returned when the service recognised no speech.
var ErrEmptyTranscript = errors.New("transcription returned no text")

// Config configures a Client. Zero values select the OpenAI defaults.
type Config struct {
	URL      string
	APIKey   string
	Model    string
	Language string
	Timeout  time.Duration
}

// response represents the response from the transcription API.
type response struct {
	Text string `json:"text"`
}

// statusError is a non-200 answer from the API.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf(errAPIRequestFailed, e.code, e.body)
}

// Client provides Whisper API client functionality.
type Client struct {
	httpClient *http.Client
	cfg        Config
	log        *logger.Logger
}

// NewClient creates a client, falling back to OPENAI_API_KEY for the key.
func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = defaultURL
	}

	if cfg.Model == "" {
		cfg.Model = defaultModel
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(EnvOpenAIAPIKey)
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		log:        log,
	}
}

// Transcribe returns the text spoken in a WAV clip. Server errors and rate
// limits are retried; other failures are returned at once.
func (c *Client) Transcribe(ctx context.Context, wav []byte) (string, error) {
	body, contentType, formErr := c.form(wav)
	if formErr != nil {
		return "", formErr
	}

	operation := func() (string, error) {
		text, err := c.post(ctx, body, contentType)

		var status *statusError
		if errors.As(err, &status) && status.code < http.StatusInternalServerError &&
			status.code != http.StatusTooManyRequests {
			return "", backoff.Permanent(err)
		}

		return text, err
	}

	notify := func(err error, wait time.Duration) {
		c.log.Warn(logFmtTranscriptionRetried, wait, err)
	}

	text, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxAttempts),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return "", err
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrEmptyTranscript
	}

	return text, nil
}

// form builds the multipart body once so every attempt can resend it.
func (c *Client) form(wav []byte) ([]byte, string, error) {
	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile(formFieldFile, uploadFileName)
	if err != nil {
		return nil, "", fmt.Errorf(errFailedToCreateFormFile, err)
	}

	_, err = part.Write(wav)
	if err != nil {
		return nil, "", fmt.Errorf(errFailedToCopyFileData, err)
	}

	fields := [][2]string{{formFieldModel, c.cfg.Model}, {formFieldResponseFormat, responseFormatJS}}
	if c.cfg.Language != "" {
		fields = append(fields, [2]string{formFieldLanguage, c.cfg.Language})
	}

	for _, field := range fields {
		err = writer.WriteField(field[0], field[1])
		if err != nil {
			return nil, "", fmt.Errorf(errFailedToWriteField, field[0], err)
		}
	}

	err = writer.Close()
	if err != nil {
		return nil, "", fmt.Errorf(errFailedToCloseWriter, err)
	}

	return buf.Bytes(), writer.FormDataContentType(), nil
}

func (c *Client) post(ctx context.Context, body []byte, contentType string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf(errFailedToCreateRequest, err))
	}

	if c.cfg.APIKey != "" {
		req.Header.Set(headerAuthorization, "Bearer "+c.cfg.APIKey)
	}

	req.Header.Set(headerContentType, contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf(errFailedToMakeRequest, err)
	}

	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		message, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return "", &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(message))}
	}

	var decoded response

	err = json.NewDecoder(resp.Body).Decode(&decoded)
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf(errFailedToDecodeResponse, err))
	}

	return decoded.Text, nil
}
