package pipeline_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/audiobook-tts/internal/config"
	"github.com/book-expert/audiobook-tts/internal/core"
	"github.com/book-expert/audiobook-tts/internal/pipeline"
	"github.com/book-expert/audiobook-tts/internal/tts/audio"
	"github.com/book-expert/audiobook-tts/internal/tts/voice"
)

// framesPerUtterance at 8 kHz gives 10 ms of audio per utterance.
const framesPerUtterance = 80

var backendFormat = core.PCMFormat{SampleRate: 8000, Channels: 1, BitDepth: 16}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), "pipeline-test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = log.Close() })

	return log
}

// fakeBackend answers /v1/tts with a short WAV clip, or 400 for text containing
// "Broken".
type fakeBackend struct {
	mu    sync.Mutex
	texts []string
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/" {
		w.WriteHeader(http.StatusOK)

		return
	}

	var payload struct {
		Text string `json:"text"`
	}

	decodeErr := json.NewDecoder(r.Body).Decode(&payload)
	if decodeErr != nil {
		http.Error(w, decodeErr.Error(), http.StatusBadRequest)

		return
	}

	b.mu.Lock()
	b.texts = append(b.texts, payload.Text)
	b.mu.Unlock()

	if strings.Contains(payload.Text, "Broken") {
		http.Error(w, "cannot synthesize", http.StatusBadRequest)

		return
	}

	wav, err := audio.EncodeWAV(make([]byte, framesPerUtterance*backendFormat.FrameSize()), backendFormat)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	_, _ = w.Write(wav)
}

func (b *fakeBackend) received() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return slices.Clone(b.texts)
}

// fakeMuxer records jobs and writes a stub container.
type fakeMuxer struct {
	mu       sync.Mutex
	jobs     []core.MuxJob
	lists    []string
	metadata []string
}

func (m *fakeMuxer) Mux(_ context.Context, job core.MuxJob) error {
	list, err := os.ReadFile(job.ListPath)
	if err != nil {
		return err
	}

	var metadata []byte
	if job.MetadataPath != "" {
		metadata, err = os.ReadFile(job.MetadataPath)
		if err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.jobs = append(m.jobs, job)
	m.lists = append(m.lists, string(list))
	m.metadata = append(m.metadata, string(metadata))
	m.mu.Unlock()

	return os.WriteFile(job.OutputPath, list, 0o600)
}

type harness struct {
	backend    *fakeBackend
	muxer      *fakeMuxer
	controller *pipeline.Controller
	workDir    string
	outputDir  string
}

func newHarness(t *testing.T, configure func(cfg *config.Config)) *harness {
	t.Helper()

	backend := &fakeBackend{}
	server := httptest.NewServer(backend)
	t.Cleanup(server.Close)

	retries := 0
	cfg := config.Default()
	cfg.TTS.URL = server.URL
	cfg.TTS.MaxRetries = &retries
	cfg.TTS.InitialBackoffMs = 1
	cfg.TTS.MaxBackoffMs = 2
	cfg.TTS.MaxUtteranceLength = 10
	cfg.TTS.Workers = 2

	if configure != nil {
		configure(cfg)
	}

	muxer := &fakeMuxer{}
	workDir := t.TempDir()

	pc, err := pipeline.NewContext(cfg, newTestLogger(t), pipeline.WithMuxer(muxer), pipeline.WithWorkDir(workDir))
	require.NoError(t, err)

	return &harness{
		backend:    backend,
		muxer:      muxer,
		controller: pipeline.NewController(pc),
		workDir:    workDir,
		outputDir:  t.TempDir(),
	}
}

func (h *harness) request(format audio.Format, chapters ...core.Chapter) pipeline.Request {
	return pipeline.Request{
		Title:     "Test Book",
		Artist:    "Narrator",
		Chapters:  chapters,
		Format:    format,
		OutputDir: h.outputDir,
	}
}

func chapter(index int, title string, sentences ...string) core.Chapter {
	return core.Chapter{Index: index, Title: title, Text: strings.Join(sentences, " ")}
}

func stagedNames(list string) []string {
	var names []string

	for line := range strings.Lines(list) {
		line = strings.TrimSuffix(strings.TrimSpace(line), "'")
		names = append(names, filepath.Base(line))
	}

	return names
}

func TestClampRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		start, end, total  int
		wantStart, wantEnd int
	}{
		{0, 0, 5, 1, 5},
		{2, 4, 5, 2, 4},
		{-3, 2, 5, 1, 2},
		{4, 99, 5, 4, 5},
		{9, 12, 5, 5, 5},
		{4, 2, 5, 4, 4},
		{1, 1, 1, 1, 1},
	}

	for _, tc := range tests {
		start, end := pipeline.ClampRange(tc.start, tc.end, tc.total)
		assert.Equal(t, tc.wantStart, start, "start for %+v", tc)
		assert.Equal(t, tc.wantEnd, end, "end for %+v", tc)
	}
}

func TestRun_SelectedRangeInChapterOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	recorder := pipeline.NewRecorder()

	req := h.request(audio.FormatM4B,
		chapter(3, "Third", "Chapter three text."),
		chapter(1, "First", "Chapter one text."),
		chapter(4, "Fourth", "Chapter four text."),
		chapter(2, "Second", "Chapter two text.", "More of chapter two."),
	)
	req.Start, req.End = 2, 3

	result, err := h.controller.Run(context.Background(), req, recorder)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(h.outputDir, "Test_Book.m4b"), result.OutputPath)
	assert.FileExists(t, result.OutputPath)
	require.Len(t, result.Chapters, 2)
	assert.Equal(t, 2, result.Chapters[0].Index)
	assert.Equal(t, 3, result.Chapters[1].Index)
	assert.Equal(t, int64(20), result.Chapters[0].DurationMs)

	assert.ElementsMatch(t,
		[]string{"Chapter two text.", "More of chapter two.", "Chapter three text."},
		h.backend.received())

	require.Len(t, h.muxer.lists, 1)
	assert.Equal(t, []string{"chapter_0002.wav", "chapter_0003.wav"}, stagedNames(h.muxer.lists[0]))
	assert.Contains(t, h.muxer.metadata[0], "title=Second")
	assert.Contains(t, h.muxer.metadata[0], "START=0\nEND=19\n")
	assert.Contains(t, h.muxer.metadata[0], "START=20\nEND=29\n")

	require.NotNil(t, result.Manifest)
	assert.Equal(t, "Test Book", result.Manifest.Title)
	require.Len(t, result.Manifest.Chapters, 2)

	var stages []pipeline.Stage
	for event := range recorder.All() {
		if len(stages) == 0 || stages[len(stages)-1] != event.Stage {
			stages = append(stages, event.Stage)
		}

		assert.Equal(t, 4, event.TotalChapters)
	}

	assert.Equal(t, []pipeline.Stage{pipeline.StageSynthesizing, pipeline.StageMerging, pipeline.StageDone}, stages)

	entries, readErr := os.ReadDir(h.workDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestRun_SkipPolicyLeavesGap(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	result, err := h.controller.Run(context.Background(), h.request(audio.FormatWAV,
		chapter(1, "Only", "First sentence.", "Broken sentence.", "Third sentence."),
	), nil)
	require.NoError(t, err)

	require.Len(t, result.Chapters, 1)
	outcome := result.Chapters[0]
	require.NoError(t, outcome.Err)
	assert.Equal(t, []int{1}, outcome.Gaps)
	assert.Equal(t, int64(20), outcome.DurationMs)
	require.Len(t, outcome.Failures, 1)
	assert.Equal(t, http.StatusBadRequest, outcome.Failures[0].StatusCode)
	assert.Equal(t, 1, outcome.Failures[0].Ordinal)
}

func TestRun_AbortPolicyStopsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *config.Config) {
		cfg.TTS.FailurePolicy = config.PolicyAbort
		cfg.TTS.Workers = 1
	})
	recorder := pipeline.NewRecorder()

	result, err := h.controller.Run(context.Background(), h.request(audio.FormatMP3,
		chapter(1, "", "Chapter one text."),
		chapter(2, "", "Broken chapter two."),
		chapter(3, "", "Chapter three text."),
	), recorder)
	require.Error(t, err)
	assert.Equal(t, core.KindSynthesis, core.KindOf(err))

	require.Len(t, result.Chapters, 2)
	assert.Empty(t, h.muxer.jobs)
	assert.NotContains(t, h.backend.received(), "Chapter three text.")

	var last pipeline.Event
	for event := range recorder.All() {
		last = event
	}

	assert.Equal(t, pipeline.StageError, last.Stage)
	assert.Equal(t, 2, last.ChapterIndex)
	assert.NoFileExists(t, filepath.Join(h.outputDir, "Test_Book.mp3"))
}

func TestRun_ContinueOnErrorSkipsFailedChapter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *config.Config) {
		cfg.TTS.FailurePolicy = config.PolicyAbort
	})

	req := h.request(audio.FormatMP3,
		chapter(1, "", "Chapter one text."),
		chapter(2, "", "Broken chapter two."),
		chapter(3, "", "Chapter three text."),
	)
	req.ContinueOnError = true

	result, err := h.controller.Run(context.Background(), req, nil)
	require.NoError(t, err)

	require.Len(t, result.Chapters, 3)
	require.Error(t, result.Chapters[1].Err)
	assert.Equal(t, []string{"chapter_0001.wav", "chapter_0003.wav"}, stagedNames(h.muxer.lists[0]))
	assert.Empty(t, h.muxer.jobs[0].MetadataPath)
}

func TestRun_EmptyChapterIsSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	result, err := h.controller.Run(context.Background(), h.request(audio.FormatM4B,
		chapter(1, "", "   "),
		chapter(2, "", "Chapter two text."),
	), nil)
	require.NoError(t, err)

	assert.Equal(t, core.KindSegmentation, core.KindOf(result.Chapters[0].Err))
	assert.Equal(t, []string{"chapter_0002.wav"}, stagedNames(h.muxer.lists[0]))
}

func TestRun_SilentChapterMatchesBackendRate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *config.Config) {
		cfg.TTS.SampleRate = backendFormat.SampleRate
	})

	result, err := h.controller.Run(context.Background(), h.request(audio.FormatM4B,
		chapter(1, "", "Chapter one text."),
		chapter(2, "", "Broken.", "Broken."),
	), nil)
	require.NoError(t, err)

	require.Len(t, result.Chapters, 2)
	assert.Equal(t, []int{0, 1}, result.Chapters[1].Gaps)
	assert.Equal(t, []string{"chapter_0001.wav", "chapter_0002.wav"}, stagedNames(h.muxer.lists[0]))
}

func TestRun_MixedChapterRatesAreNotMuxed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(cfg *config.Config) {
		cfg.TTS.SampleRate = 2 * backendFormat.SampleRate
	})

	_, err := h.controller.Run(context.Background(), h.request(audio.FormatM4B,
		chapter(1, "", "Chapter one text."),
		chapter(2, "", "Broken.", "Broken."),
	), nil)
	require.ErrorIs(t, err, audio.ErrFormatMismatch)
	assert.Equal(t, core.KindAssembly, core.KindOf(err))
	assert.Empty(t, h.muxer.jobs)
}

func TestRun_BackendUnavailableFailsFast(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	h := newHarness(t, func(cfg *config.Config) {
		cfg.TTS.URL = url
	})

	_, err := h.controller.Run(context.Background(), h.request(audio.FormatWAV,
		chapter(1, "", "Chapter one text."),
	), nil)

	var unavailable *core.BackendUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.NotEmpty(t, unavailable.Remediation)
	assert.Empty(t, h.muxer.jobs)
}

func TestRun_NoChapters(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	_, err := h.controller.Run(context.Background(), h.request(audio.FormatWAV), nil)
	require.ErrorIs(t, err, pipeline.ErrNoChapters)
}

func TestRun_Canceled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.controller.Run(ctx, h.request(audio.FormatWAV, chapter(1, "", "Chapter one text.")), nil)
	require.Error(t, err)
	assert.Empty(t, h.muxer.jobs)
}

func TestResolveReference_FallsBackUnlessRequired(t *testing.T) {
	t.Parallel()

	source := &voice.Source{Name: "voice.wav", Data: []byte("not a wav file")}

	lenient := newHarness(t, nil)

	reference, err := lenient.controller.ResolveReference(context.Background(), source)
	require.NoError(t, err)
	assert.Nil(t, reference)

	strict := newHarness(t, func(cfg *config.Config) {
		cfg.Voice.RequireReference = true
	})

	_, err = strict.controller.ResolveReference(context.Background(), source)
	assert.Equal(t, core.KindReferenceLoad, core.KindOf(err))

	reference, err = strict.controller.ResolveReference(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, reference)
}
