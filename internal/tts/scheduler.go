package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"golang.org/x/sync/errgroup"

	"github.com/book-expert/audiobook-tts/internal/core"
	"github.com/book-expert/audiobook-tts/internal/telemetry"
	"github.com/book-expert/audiobook-tts/internal/tts/audio"
)

// Backend formats the scheduler can decode.
const (
	BackendFormatWAV = "wav"
	BackendFormatPCM = "pcm"
)

const (
	logFmtUtteranceFailed  = "Utterance %d of chapter %d failed, inserting placeholder: %v"
	logFmtChapterAborted   = "Chapter %d aborted after utterance %d failed: %v"
	logFmtChapterScheduled = "Scheduling %d utterances for chapter %d on %d workers"
	logFmtBackendLost      = "Chapter %d aborted at utterance %d, backend unavailable: %v"
)

// ErrNoUtterances is returned for a chapter with nothing to synthesize.
var ErrNoUtterances = errors.New("chapter has no utterances")

// UtteranceState tracks one utterance through scheduling.
type UtteranceState int

// Utterance states.
const (
	StatePending UtteranceState = iota
	StateDispatched
	StateRetrying
	StateSucceeded
	StateFailed
)

func (s UtteranceState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDispatched:
		return "dispatched"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Progress is emitted on every utterance state change. Done counts utterances
// in a terminal state.
type Progress struct {
	ChapterIndex int
	Ordinal      int
	State        UtteranceState
	Done         int
	Total        int
	Err          error
}

// Synthesizer is the backend call the scheduler fans out.
type Synthesizer interface {
	Synthesize(ctx context.Context, req core.SynthesisRequest, call CallOptions) ([]byte, error)
}

// TextNormalizer rewrites utterance text just before synthesis.
type TextNormalizer interface {
	Normalize(text string) string
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	Workers        int
	AbortOnFailure bool
	// BackendFormat is "wav" or "pcm"; PCMFormat describes raw "pcm" responses.
	BackendFormat string
	PCMFormat     core.PCMFormat
	Normalizer    TextNormalizer
}

// ChapterResult holds a chapter's segments in ordinal order.
type ChapterResult struct {
	Segments []core.AudioSegment
	Failures []*core.SynthesisError
}

// Scheduler synthesizes a chapter's utterances with bounded concurrency and
// returns the segments in ordinal order regardless of completion order.
type Scheduler struct {
	synth   Synthesizer
	cfg     SchedulerConfig
	log     *logger.Logger
	metrics *telemetry.Metrics
	options *Options
}

// NewScheduler creates a scheduler. A nil metrics records nothing.
func NewScheduler(synth Synthesizer, cfg SchedulerConfig, log *logger.Logger, metrics *telemetry.Metrics) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}

	if metrics == nil {
		metrics = telemetry.Noop()
	}

	return &Scheduler{synth: synth, cfg: cfg, log: log, metrics: metrics}
}

// WithOptions returns a scheduler that sends opts with every call instead of the
// client defaults.
func (s *Scheduler) WithOptions(opts Options) *Scheduler {
	scoped := *s
	scoped.options = &opts

	return &scoped
}

// PCMFormat is the format raw backend responses are decoded with.
func (s *Scheduler) PCMFormat() core.PCMFormat {
	return s.cfg.PCMFormat
}

// chapterRun is the shared state of one SynthesizeChapter call.
type chapterRun struct {
	mu       sync.Mutex
	done     int
	total    int
	result   ChapterResult
	progress func(Progress)
}

func (r *chapterRun) emit(update Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if update.State == StateSucceeded || update.State == StateFailed {
		r.done++
	}

	update.Done = r.done
	update.Total = r.total

	if r.progress != nil {
		r.progress(update)
	}
}

func (r *chapterRun) fail(err *core.SynthesisError) {
	r.mu.Lock()
	r.result.Failures = append(r.result.Failures, err)
	r.mu.Unlock()
}

// SynthesizeChapter synthesizes every utterance. With the skip policy a failed
// utterance becomes a placeholder segment; with the abort policy the first failure
// cancels outstanding work and is returned. A *core.BackendUnavailableError aborts
// the chapter under either policy. progress may be nil.
func (s *Scheduler) SynthesizeChapter(
	ctx context.Context,
	utterances []core.Utterance,
	reference *core.ReferenceVoice,
	progress func(Progress),
) (*ChapterResult, error) {
	if len(utterances) == 0 {
		return nil, ErrNoUtterances
	}

	chapterIndex := utterances[0].ChapterIndex
	run := &chapterRun{
		total:    len(utterances),
		result:   ChapterResult{Segments: make([]core.AudioSegment, len(utterances))},
		progress: progress,
	}

	for _, utterance := range utterances {
		run.emit(Progress{ChapterIndex: chapterIndex, Ordinal: utterance.Ordinal, State: StatePending})
	}

	s.log.Info(logFmtChapterScheduled, len(utterances), chapterIndex, s.cfg.Workers)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.Workers)

	for slot, utterance := range utterances {
		if groupCtx.Err() != nil {
			break
		}

		group.Go(func() error {
			return s.synthesizeOne(groupCtx, run, slot, utterance, reference)
		})
	}

	waitErr := group.Wait()
	if waitErr != nil {
		return nil, waitErr
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("chapter %d synthesis canceled: %w", chapterIndex, ctx.Err())
	}

	return &run.result, nil
}

func (s *Scheduler) synthesizeOne(
	ctx context.Context,
	run *chapterRun,
	slot int,
	utterance core.Utterance,
	reference *core.ReferenceVoice,
) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	started := time.Now()

	run.emit(Progress{ChapterIndex: utterance.ChapterIndex, Ordinal: utterance.Ordinal, State: StateDispatched})

	text := utterance.Text
	if s.cfg.Normalizer != nil {
		text = s.cfg.Normalizer.Normalize(text)
	}

	call := CallOptions{
		ChapterIndex: utterance.ChapterIndex,
		Ordinal:      utterance.Ordinal,
		Options:      s.options,
		OnRetry: func(_ int, err error) {
			s.metrics.RecordRetry(ctx)
			run.emit(Progress{
				ChapterIndex: utterance.ChapterIndex,
				Ordinal:      utterance.Ordinal,
				State:        StateRetrying,
				Err:          err,
			})
		},
	}

	request := core.SynthesisRequest{Text: text, Reference: reference, Format: s.cfg.BackendFormat}

	data, synthErr := s.synth.Synthesize(ctx, request, call)

	var segment core.AudioSegment
	if synthErr == nil {
		segment, synthErr = s.decode(data, utterance)
	}

	if synthErr == nil {
		run.result.Segments[slot] = segment
		s.metrics.RecordUtterance(ctx, telemetry.OutcomeSucceeded, time.Since(started))
		run.emit(Progress{ChapterIndex: utterance.ChapterIndex, Ordinal: utterance.Ordinal, State: StateSucceeded})

		return nil
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	var unavailable *core.BackendUnavailableError
	if errors.As(synthErr, &unavailable) {
		s.metrics.RecordUtterance(ctx, telemetry.OutcomeFailed, time.Since(started))
		run.emit(Progress{
			ChapterIndex: utterance.ChapterIndex,
			Ordinal:      utterance.Ordinal,
			State:        StateFailed,
			Err:          synthErr,
		})
		s.log.Error(logFmtBackendLost, utterance.ChapterIndex, utterance.Ordinal, synthErr)

		return unavailable
	}

	failure := asSynthesisError(synthErr, utterance)

	outcome := telemetry.OutcomeSkipped
	if s.cfg.AbortOnFailure {
		outcome = telemetry.OutcomeFailed
	}

	s.metrics.RecordUtterance(ctx, outcome, time.Since(started))
	run.emit(Progress{
		ChapterIndex: utterance.ChapterIndex,
		Ordinal:      utterance.Ordinal,
		State:        StateFailed,
		Err:          synthErr,
	})

	if s.cfg.AbortOnFailure {
		s.log.Error(logFmtChapterAborted, utterance.ChapterIndex, utterance.Ordinal, synthErr)

		return failure
	}

	s.log.Warn(logFmtUtteranceFailed, utterance.Ordinal, utterance.ChapterIndex, synthErr)
	run.fail(failure)
	run.result.Segments[slot] = core.AudioSegment{
		ChapterIndex: utterance.ChapterIndex,
		Ordinal:      utterance.Ordinal,
		Placeholder:  true,
	}

	return nil
}

// decode turns a backend response into a PCM segment.
func (s *Scheduler) decode(data []byte, utterance core.Utterance) (core.AudioSegment, error) {
	segment := core.AudioSegment{ChapterIndex: utterance.ChapterIndex, Ordinal: utterance.Ordinal}

	if s.cfg.BackendFormat == BackendFormatPCM {
		clip, err := audio.FromPCM(data, s.cfg.PCMFormat)
		if err != nil {
			return segment, fmt.Errorf("failed to decode backend PCM: %w", err)
		}

		segment.PCM = data
		segment.Format = clip.Format

		return segment, nil
	}

	clip, err := audio.DecodeWAV(data)
	if err != nil {
		return segment, fmt.Errorf("failed to decode backend WAV: %w", err)
	}

	segment.PCM = clip.PCM()
	segment.Format = clip.Format

	return segment, nil
}

func asSynthesisError(err error, utterance core.Utterance) *core.SynthesisError {
	var synthErr *core.SynthesisError
	if errors.As(err, &synthErr) {
		return synthErr
	}

	return &core.SynthesisError{ChapterIndex: utterance.ChapterIndex, Ordinal: utterance.Ordinal, Err: err}
}
