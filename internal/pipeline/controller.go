package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/book-expert/audiobook-tts/internal/core"
	"github.com/book-expert/audiobook-tts/internal/telemetry"
	"github.com/book-expert/audiobook-tts/internal/tts"
	"github.com/book-expert/audiobook-tts/internal/tts/audio"
	"github.com/book-expert/audiobook-tts/internal/tts/ttsutils"
	"github.com/book-expert/audiobook-tts/internal/tts/voice"
)

const (
	logFmtRunStarted      = "Synthesizing %q chapters %d-%d of %d to %s"
	logFmtChapterSkipped  = "Skipping chapter %d: %v"
	logFmtChapterFailed   = "Chapter %d failed: %v"
	logFmtReferenceFailed = "Reference voice unusable, continuing without it: %v"
	logFmtRunFinished     = "Finished %q: %d chapters, %s of audio in %s"
	logFmtWorkDirCleanup  = "Failed to remove work directory %s: %v"
)

const (
	msgChapterStarted = "synthesizing %q (%d utterances)"
	msgChapterDone    = "chapter assembled (%d ms, %d gaps)"
	msgMerging        = "muxing %d chapters into %s"
	msgBookDone       = "wrote %s"
)

// Errors returned by the controller.
var (
	ErrNoChapters       = errors.New("book has no chapters")
	ErrNothingAssembled = errors.New("no chapter produced audio")
)

// Request selects what to synthesize and where the result goes.
type Request struct {
	Title  string
	Artist string
	// BaseName is the output file stem; it defaults to a sanitised Title.
	BaseName string
	Chapters []core.Chapter
	// Start and End are 1-based inclusive positions in chapter order. Zero means
	// the first and last chapter respectively.
	Start int
	End   int
	// Voice is the optional reference clip.
	Voice     *voice.Source
	Format    audio.Format
	OutputDir string
	// ContinueOnError skips a failed chapter instead of aborting the run.
	ContinueOnError bool
}

// ChapterOutcome records what happened to one chapter of a run.
type ChapterOutcome struct {
	Index      int
	DurationMs int64
	Gaps       []int
	Failures   []*core.SynthesisError
	Err        error
}

// Result summarises a finished run.
type Result struct {
	OutputPath string
	Manifest   *core.AudiobookManifest
	Chapters   []ChapterOutcome
	Elapsed    time.Duration
}

// Controller drives a Context over a range of chapters. Chapters are processed
// sequentially; only one chapter's segments are held in memory at a time.
type Controller struct {
	pc *Context
}

// NewController creates a controller over pc.
func NewController(pc *Context) *Controller {
	return &Controller{pc: pc}
}

// ClampRange maps a requested [start, end] onto [1, total] with start <= end.
// Zero values select the full range.
func ClampRange(start, end, total int) (int, int) {
	if end == 0 {
		end = total
	}

	start = max(1, min(start, total))
	end = max(start, min(end, total))

	return start, end
}

// Run synthesizes the selected chapters and muxes them into
// OutputDir/BaseName.<format>. A fatal chapter error aborts the run unless
// ContinueOnError is set; backend unavailability and cancellation always abort.
func (c *Controller) Run(ctx context.Context, req Request, sink EventSink) (*Result, error) {
	if sink == nil {
		sink = Discard
	}

	started := time.Now()

	if len(req.Chapters) == 0 {
		return nil, c.fail(sink, 0, 0, ErrNoChapters)
	}

	chapters := slices.Clone(req.Chapters)
	slices.SortStableFunc(chapters, func(a, b core.Chapter) int { return a.Index - b.Index })

	total := len(chapters)
	start, end := ClampRange(req.Start, req.End, total)
	selected := chapters[start-1 : end]

	baseName := req.BaseName
	if baseName == "" {
		baseName = ttsutils.BaseName(req.Title)
	}

	outputPath := filepath.Join(req.OutputDir, baseName+req.Format.Extension())

	c.pc.Log.Info(logFmtRunStarted, req.Title, start, end, total, outputPath)

	probeErr := c.CheckBackend(ctx)
	if probeErr != nil {
		return nil, c.fail(sink, 0, total, probeErr)
	}

	reference, referenceErr := c.ResolveReference(ctx, req.Voice)
	if referenceErr != nil {
		return nil, c.fail(sink, 0, total, referenceErr)
	}

	runDir := filepath.Join(c.pc.WorkDir, uuid.NewString())
	assembler := audio.NewAssembler(runDir, c.pc.Muxer, c.pc.Log)

	defer c.removeWorkDir(runDir)

	result := &Result{OutputPath: outputPath}
	staged := make([]audio.StagedChapter, 0, len(selected))

	defer func() { assembler.Cleanup(staged) }()

	for _, chapter := range selected {
		outcome := ChapterOutcome{Index: chapter.Index}

		track, chapterResult, chapterErr := c.SynthesizeChapter(ctx, chapter, reference, total, sink)
		if chapterErr == nil {
			stagedChapter, stageErr := assembler.StageTrack(track)
			if stageErr == nil {
				staged = append(staged, stagedChapter)
			}

			chapterErr = stageErr
		}

		if chapterResult != nil {
			outcome.Failures = chapterResult.Failures
		}

		if track != nil {
			outcome.DurationMs = track.DurationMs
			outcome.Gaps = track.Gaps
		}

		outcome.Err = chapterErr
		result.Chapters = append(result.Chapters, outcome)

		if chapterErr == nil {
			continue
		}

		if !c.recoverable(ctx, chapterErr, req.ContinueOnError) {
			c.pc.Log.Error(logFmtChapterFailed, chapter.Index, chapterErr)

			return result, c.fail(sink, chapter.Index, total, chapterErr)
		}

		c.pc.Log.Warn(logFmtChapterSkipped, chapter.Index, chapterErr)
		sink.Emit(Event{Stage: StageError, ChapterIndex: chapter.Index, TotalChapters: total, Err: chapterErr})
	}

	if len(staged) == 0 {
		return result, c.fail(sink, 0, total, ErrNothingAssembled)
	}

	sink.Emit(Event{
		Stage:         StageMerging,
		TotalChapters: total,
		Message:       fmt.Sprintf(msgMerging, len(staged), outputPath),
	})

	manifest, assembleErr := assembler.AssembleBook(ctx, audio.BookJob{
		Title:      req.Title,
		Artist:     req.Artist,
		Chapters:   staged,
		OutputPath: outputPath,
		Format:     req.Format,
	})
	if assembleErr != nil {
		return result, c.fail(sink, 0, total, assembleErr)
	}

	result.Manifest = manifest
	result.Elapsed = time.Since(started)

	c.pc.Log.Info(logFmtRunFinished, req.Title, len(staged),
		ttsutils.FormatDuration(manifest.Duration()), ttsutils.FormatDuration(result.Elapsed))
	sink.Emit(Event{Stage: StageDone, TotalChapters: total, Message: fmt.Sprintf(msgBookDone, outputPath)})

	return result, nil
}

// CheckBackend runs the reachability probe and returns a
// *core.BackendUnavailableError when the backend cannot serve requests.
func (c *Controller) CheckBackend(ctx context.Context) error {
	return c.pc.Client.Probe(ctx)
}

// SynthesizeChapter segments, synthesizes and concatenates one chapter. The
// returned ChapterResult carries per-utterance failures absorbed by the skip
// policy. A chapter without speakable text fails with *core.SegmentationError.
func (c *Controller) SynthesizeChapter(
	ctx context.Context,
	chapter core.Chapter,
	reference *core.ReferenceVoice,
	totalChapters int,
	sink EventSink,
) (*core.ChapterTrack, *tts.ChapterResult, error) {
	return c.synthesizeChapter(ctx, c.pc.Scheduler, chapter, reference, totalChapters, sink)
}

// SynthesizeChapterWithOptions is SynthesizeChapter with per-request inference
// options, which must already be validated.
func (c *Controller) SynthesizeChapterWithOptions(
	ctx context.Context,
	chapter core.Chapter,
	reference *core.ReferenceVoice,
	options tts.Options,
	totalChapters int,
	sink EventSink,
) (*core.ChapterTrack, *tts.ChapterResult, error) {
	return c.synthesizeChapter(ctx, c.pc.Scheduler.WithOptions(options), chapter, reference, totalChapters, sink)
}

func (c *Controller) synthesizeChapter(
	ctx context.Context,
	scheduler *tts.Scheduler,
	chapter core.Chapter,
	reference *core.ReferenceVoice,
	totalChapters int,
	sink EventSink,
) (*core.ChapterTrack, *tts.ChapterResult, error) {
	if sink == nil {
		sink = Discard
	}

	utterances := c.pc.Segmenter.Utterances(chapter.Index, chapter.Text)
	if len(utterances) == 0 {
		c.pc.Metrics.RecordChapter(ctx, telemetry.OutcomeSkipped, 0)

		return nil, nil, &core.SegmentationError{ChapterIndex: chapter.Index, Reason: "no utterances"}
	}

	title := audio.ChapterTitle(chapter.Index, chapter.Title)

	sink.Emit(Event{
		Stage:         StageSynthesizing,
		ChapterIndex:  chapter.Index,
		TotalChapters: totalChapters,
		Message:       fmt.Sprintf(msgChapterStarted, title, len(utterances)),
	})

	progress := func(update tts.Progress) {
		if update.State != tts.StateSucceeded && update.State != tts.StateFailed {
			return
		}

		sink.Emit(Event{
			Stage:         StageSynthesizing,
			ChapterIndex:  chapter.Index,
			TotalChapters: totalChapters,
			Done:          update.Done,
			Total:         update.Total,
			Err:           update.Err,
		})
	}

	result, synthErr := scheduler.SynthesizeChapter(ctx, utterances, reference, progress)
	if synthErr != nil {
		c.pc.Metrics.RecordChapter(ctx, telemetry.OutcomeFailed, 0)

		return nil, nil, synthErr
	}

	track, assembleErr := audio.AssembleChapter(chapter.Index, title, result.Segments, scheduler.PCMFormat())
	if assembleErr != nil {
		c.pc.Metrics.RecordChapter(ctx, telemetry.OutcomeFailed, 0)

		return nil, result, assembleErr
	}

	c.pc.Metrics.RecordChapter(ctx, telemetry.OutcomeSucceeded, time.Duration(track.DurationMs)*time.Millisecond)

	sink.Emit(Event{
		Stage:         StageSynthesizing,
		ChapterIndex:  chapter.Index,
		TotalChapters: totalChapters,
		Message:       fmt.Sprintf(msgChapterDone, track.DurationMs, len(track.Gaps)),
	})

	return track, result, nil
}

// ResolveReference loads src through the shared cache. A nil src means no
// reference. An unusable reference falls back to plain synthesis unless
// voice.require_reference is set.
func (c *Controller) ResolveReference(ctx context.Context, src *voice.Source) (*core.ReferenceVoice, error) {
	if src == nil {
		return nil, nil
	}

	reference, err := c.pc.Voices.Load(ctx, *src)
	if err == nil {
		return reference, nil
	}

	if c.pc.Config.Voice.RequireReference || ctx.Err() != nil {
		return nil, err
	}

	c.pc.Log.Warn(logFmtReferenceFailed, err)

	return nil, nil
}

// recoverable reports whether the run may continue past a chapter error.
func (c *Controller) recoverable(ctx context.Context, err error, continueOnError bool) bool {
	if ctx.Err() != nil {
		return false
	}

	switch core.KindOf(err) {
	case core.KindSegmentation:
		return true
	case core.KindBackendUnavailable:
		return false
	default:
		return continueOnError
	}
}

func (c *Controller) fail(sink EventSink, chapterIndex, total int, err error) error {
	sink.Emit(Event{Stage: StageError, ChapterIndex: chapterIndex, TotalChapters: total, Err: err})

	return err
}

func (c *Controller) removeWorkDir(dir string) {
	err := os.RemoveAll(dir)
	if err != nil {
		c.pc.Log.Warn(logFmtWorkDirCleanup, dir, err)
	}
}
