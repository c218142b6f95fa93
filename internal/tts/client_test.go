package tts_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/book-expert/audiobook-tts/internal/core"
	"github.com/book-expert/audiobook-tts/internal/tts"
)

const testAudio = "RIFF....WAVEfmt "

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "tts-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

func testClientConfig(url string) tts.ClientConfig {
	return tts.ClientConfig{
		BaseURL:        url,
		Timeout:        2 * time.Second,
		ProbeTimeout:   time.Second,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Format:         "wav",
		Options:        tts.Options{Temperature: 0.7, TopP: 0.7, RepetitionPenalty: 1.2, ChunkLength: 200},
	}
}

// backend is a scripted Fish-Speech stand-in. respond is called for each /v1/tts or
// /v1/vqgan/encode request with the 1-based request number.
type backend struct {
	probeCalls atomic.Int32
	ttsCalls    atomic.Int32
	respond     func(w http.ResponseWriter, r *http.Request, call int)
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/" {
		b.probeCalls.Add(1)
		w.WriteHeader(http.StatusOK)

		return
	}

	call := int(b.ttsCalls.Add(1))
	b.respond(w, r, call)
}

func newBackend(t *testing.T, respond func(w http.ResponseWriter, r *http.Request, call int)) (*backend, *httptest.Server) {
	t.Helper()

	b := &backend{respond: respond}
	server := httptest.NewServer(b)
	t.Cleanup(server.Close)

	return b, server
}

func TestSynthesize_JSONWithoutReference(t *testing.T) {
	t.Parallel()

	_, server := newBackend(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/tts", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "Hello, world!", payload["text"])
		assert.Equal(t, "wav", payload["format"])
		assert.InEpsilon(t, 0.7, payload["temperature"], 0.001)
		assert.NotContains(t, payload, "references")

		_, _ = w.Write([]byte(testAudio))
	})

	client := tts.NewHTTPClient(testClientConfig(server.URL), newTestLogger(t))

	audio, err := client.Synthesize(context.Background(), core.SynthesisRequest{Text: "Hello, world!"}, tts.CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, testAudio, string(audio))
}

func TestSynthesize_MsgpackWithReference(t *testing.T) {
	t.Parallel()

	_, server := newBackend(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		assert.Equal(t, "application/msgpack", r.Header.Get("Content-Type"))

		var payload struct {
			Text       string `msgpack:"text"`
			References []struct {
				Audio []byte `msgpack:"audio"`
				Text  string `msgpack:"text"`
			} `msgpack:"references"`
		}

		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, msgpack.Unmarshal(body, &payload))
		assert.Equal(t, "Read me.", payload.Text)

		if assert.Len(t, payload.References, 1) {
			assert.Equal(t, []byte("normalized"), payload.References[0].Audio)
			assert.Equal(t, "reference words", payload.References[0].Text)
		}

		_, _ = w.Write([]byte(testAudio))
	})

	client := tts.NewHTTPClient(testClientConfig(server.URL), newTestLogger(t))
	reference := &core.ReferenceVoice{
		ID:              "abc",
		Transcript:      "reference words",
		RawAudio:        []byte("raw"),
		NormalizedAudio: []byte("normalized"),
	}

	_, err := client.Synthesize(context.Background(),
		core.SynthesisRequest{Text: "Read me.", Reference: reference}, tts.CallOptions{})
	require.NoError(t, err)
}

func TestSynthesize_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	b, server := newBackend(t, func(w http.ResponseWriter, _ *http.Request, call int) {
		if call < 3 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)

			return
		}

		_, _ = w.Write([]byte(testAudio))
	})

	client := tts.NewHTTPClient(testClientConfig(server.URL), newTestLogger(t))

	var retried []int

	audio, err := client.Synthesize(context.Background(), core.SynthesisRequest{Text: "retry"}, tts.CallOptions{
		OnRetry: func(attempt int, _ error) { retried = append(retried, attempt) },
	})
	require.NoError(t, err)
	assert.Equal(t, testAudio, string(audio))
	assert.Equal(t, int32(3), b.ttsCalls.Load())
	assert.Equal(t, []int{1, 2}, retried)
}

func TestSynthesize_PermanentFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	b, server := newBackend(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		http.Error(w, "text too long", http.StatusBadRequest)
	})

	client := tts.NewHTTPClient(testClientConfig(server.URL), newTestLogger(t))

	_, err := client.Synthesize(context.Background(), core.SynthesisRequest{Text: "bad"},
		tts.CallOptions{ChapterIndex: 2, Ordinal: 5})
	require.Error(t, err)

	var synthErr *core.SynthesisError
	require.ErrorAs(t, err, &synthErr)
	assert.Equal(t, http.StatusBadRequest, synthErr.StatusCode)
	assert.Contains(t, synthErr.Body, "text too long")
	assert.Equal(t, 2, synthErr.ChapterIndex)
	assert.Equal(t, 5, synthErr.Ordinal)
	assert.False(t, synthErr.Transient())
	assert.Equal(t, core.KindSynthesis, core.KindOf(err))
	assert.Equal(t, int32(1), b.ttsCalls.Load())
}

func TestSynthesize_ExhaustsRetries(t *testing.T) {
	t.Parallel()

	b, server := newBackend(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	cfg := testClientConfig(server.URL)
	cfg.MaxRetries = 1
	client := tts.NewHTTPClient(cfg, newTestLogger(t))

	_, err := client.Synthesize(context.Background(), core.SynthesisRequest{Text: "x"}, tts.CallOptions{})

	var synthErr *core.SynthesisError
	require.ErrorAs(t, err, &synthErr)
	assert.Equal(t, http.StatusInternalServerError, synthErr.StatusCode)
	assert.Equal(t, int32(2), b.ttsCalls.Load())
}

func TestSynthesize_AttemptTimeoutIsRetried(t *testing.T) {
	t.Parallel()

	b, server := newBackend(t, func(w http.ResponseWriter, r *http.Request, call int) {
		if call == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}

			return
		}

		_, _ = w.Write([]byte(testAudio))
	})

	client := tts.NewHTTPClient(testClientConfig(server.URL), newTestLogger(t))

	audio, err := client.Synthesize(context.Background(), core.SynthesisRequest{Text: "slow"},
		tts.CallOptions{Timeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, testAudio, string(audio))
	assert.Equal(t, int32(2), b.ttsCalls.Load())
}

func TestSynthesize_ProbesOnce(t *testing.T) {
	t.Parallel()

	b, server := newBackend(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		_, _ = w.Write([]byte(testAudio))
	})

	client := tts.NewHTTPClient(testClientConfig(server.URL), newTestLogger(t))

	for range 3 {
		_, err := client.Synthesize(context.Background(), core.SynthesisRequest{Text: "hi"}, tts.CallOptions{})
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), b.probeCalls.Load())
}

func TestSynthesize_UnreachableBackend(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := tts.NewHTTPClient(testClientConfig(url), newTestLogger(t))

	_, err := client.Synthesize(context.Background(), core.SynthesisRequest{Text: "hi"}, tts.CallOptions{})
	require.Error(t, err)

	var unavailable *core.BackendUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, url, unavailable.Address)
	assert.Contains(t, unavailable.Remediation, "--listen")
	assert.Equal(t, core.KindBackendUnavailable, core.KindOf(err))
	assert.False(t, client.Available(context.Background()))
}

func TestProbe_RequiresOKFromRoot(t *testing.T) {
	t.Parallel()

	var paths []string

	var mu sync.Mutex

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		mu.Unlock()

		http.NotFound(w, r)
	}))
	t.Cleanup(server.Close)

	client := tts.NewHTTPClient(testClientConfig(server.URL), newTestLogger(t))

	err := client.Probe(context.Background())

	var unavailable *core.BackendUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Contains(t, err.Error(), "404")
	assert.False(t, client.Available(context.Background()))

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, "GET /", paths[0])
}

func TestProbe_RejectedAPIKey(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	cfg := testClientConfig(server.URL)
	cfg.APIKey = "wrong"
	err := tts.NewHTTPClient(cfg, newTestLogger(t)).Probe(context.Background())

	var unavailable *core.BackendUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Contains(t, unavailable.Remediation, "api_key")

	cfg.APIKey = "secret"
	require.NoError(t, tts.NewHTTPClient(cfg, newTestLogger(t)).Probe(context.Background()))
}

func TestSynthesize_EmptyText(t *testing.T) {
	t.Parallel()

	client := tts.NewHTTPClient(testClientConfig("http://127.0.0.1:1"), newTestLogger(t))

	_, err := client.Synthesize(context.Background(), core.SynthesisRequest{Text: "  "}, tts.CallOptions{})
	require.ErrorIs(t, err, tts.ErrTextEmpty)
	require.ErrorIs(t, err, core.ErrMalformedRequest)

	var synthErr *core.SynthesisError
	require.ErrorAs(t, err, &synthErr)
	assert.False(t, synthErr.Transient())
}

func TestSynthesize_ContextCanceled(t *testing.T) {
	t.Parallel()

	_, server := newBackend(t, func(w http.ResponseWriter, _ *http.Request, _ int) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	})

	cfg := testClientConfig(server.URL)
	cfg.InitialBackoff = time.Second
	cfg.MaxBackoff = time.Second
	client := tts.NewHTTPClient(cfg, newTestLogger(t))
	require.NoError(t, client.Probe(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := client.Synthesize(ctx, core.SynthesisRequest{Text: "x"}, tts.CallOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded) || core.KindOf(err) == core.KindSynthesis)
}

func TestEncode_ReturnsTokens(t *testing.T) {
	t.Parallel()

	_, server := newBackend(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		assert.Equal(t, "/v1/vqgan/encode", r.URL.Path)

		var payload struct {
			Audios [][]byte `msgpack:"audios"`
		}

		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, msgpack.Unmarshal(body, &payload))
		assert.Equal(t, [][]byte{[]byte("wav")}, payload.Audios)

		response, _ := msgpack.Marshal(map[string]any{"tokens": [][][]int{{{1, 2}, {3, 4}}}})
		_, _ = w.Write(response)
	})

	client := tts.NewHTTPClient(testClientConfig(server.URL), newTestLogger(t))

	tokens, err := client.Encode(context.Background(), []byte("wav"))
	require.NoError(t, err)
	assert.Equal(t, [][]int{{1, 2}, {3, 4}}, tokens)
}

func TestSynthesizeStream_ReturnsBody(t *testing.T) {
	t.Parallel()

	_, server := newBackend(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		var payload map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, true, payload["streaming"])

		_, _ = w.Write([]byte("chunk-1chunk-2"))
	})

	client := tts.NewHTTPClient(testClientConfig(server.URL), newTestLogger(t))

	stream, err := client.SynthesizeStream(context.Background(), core.SynthesisRequest{Text: "stream"}, tts.CallOptions{})
	require.NoError(t, err)

	defer func() { _ = stream.Close() }()

	data, readErr := io.ReadAll(stream)
	require.NoError(t, readErr)
	assert.Equal(t, "chunk-1chunk-2", string(data))
}
