// Package worker provides a NATS worker that renders one chapter of speech per
// TextProcessedEvent.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/audiobook-tts/internal/core"
	"github.com/book-expert/audiobook-tts/internal/objectstore"
	"github.com/book-expert/audiobook-tts/internal/pipeline"
	"github.com/book-expert/audiobook-tts/internal/tts"
	"github.com/book-expert/audiobook-tts/internal/tts/audio"
	"github.com/book-expert/audiobook-tts/internal/tts/voice"
)

const defaultJobTimeout = 10 * time.Minute

const (
	logFmtInvalidEvent   = "Failed to parse event: %v"
	logFmtJobFailed      = "Failed to process TTS job for workflow %s: %v"
	logFmtReplyFailed    = "Failed to publish reply event for workflow %s: %v"
	logFmtProgressFailed = "Failed to publish progress for workflow %s: %v"
	logFmtJobDone        = "Workflow %s page %d rendered to %s (%d ms, %d gaps)"
	logFmtListening      = "Listening for jobs on subject %s (queue %q)"
)

// Errors returned while processing a job.
var (
	ErrTextKeyEmpty = errors.New("text key cannot be empty")
	ErrSubjectEmpty = errors.New("subject cannot be empty")
	ErrNoAudio      = errors.New("every utterance failed, no audio to upload")
)

// Synthesizer renders one chapter. *pipeline.Controller implements it.
type Synthesizer interface {
	CheckBackend(ctx context.Context) error
	ResolveReference(ctx context.Context, src *voice.Source) (*core.ReferenceVoice, error)
	SynthesizeChapterWithOptions(
		ctx context.Context,
		chapter core.Chapter,
		reference *core.ReferenceVoice,
		options tts.Options,
		totalChapters int,
		sink pipeline.EventSink,
	) (*core.ChapterTrack, *tts.ChapterResult, error)
}

// Config configures a NatsWorker.
type Config struct {
	Subject string
	// Queue is the queue group shared by all worker replicas; empty subscribes
	// every replica to every job.
	Queue string
	// ProgressSubject receives ProgressMessage JSON; empty disables publishing.
	ProgressSubject string
	Timeout         time.Duration
	// Defaults are the inference options a job's overrides are applied to.
	Defaults tts.Options
}

// ProgressMessage is the wire form of a pipeline event.
type ProgressMessage struct {
	Header        events.EventHeader `json:"header"`
	Stage         pipeline.Stage     `json:"stage"`
	ChapterIndex  int                `json:"chapter_index"`
	TotalChapters int                `json:"total_chapters"`
	Message       string             `json:"message,omitempty"`
	Done          int                `json:"done"`
	Total         int                `json:"total"`
	Error         string             `json:"error,omitempty"`
}

// NatsWorker listens for TTS jobs on a NATS subject and processes them.
type NatsWorker struct {
	natsConnection *nats.Conn
	cfg            Config
	store          core.ObjectStore
	synth          Synthesizer
	log            *logger.Logger
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(
	natsConnection *nats.Conn,
	cfg Config,
	store core.ObjectStore,
	synth Synthesizer,
	log *logger.Logger,
) (*NatsWorker, error) {
	if cfg.Subject == "" {
		return nil, ErrSubjectEmpty
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultJobTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		cfg:            cfg,
		store:          store,
		synth:          synth,
		log:            log,
	}, nil
}

// Run subscribes and processes messages until ctx is done, then drains.
func (w *NatsWorker) Run(ctx context.Context) error {
	handler := func(msg *nats.Msg) { w.handleMessage(ctx, msg) }

	var (
		sub *nats.Subscription
		err error
	)

	if w.cfg.Queue != "" {
		sub, err = w.natsConnection.QueueSubscribe(w.cfg.Subject, w.cfg.Queue, handler)
	} else {
		sub, err = w.natsConnection.Subscribe(w.cfg.Subject, handler)
	}

	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.cfg.Subject, err)
	}

	w.log.System(logFmtListening, w.cfg.Subject, w.cfg.Queue)

	<-ctx.Done()

	drainErr := sub.Drain()
	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

func (w *NatsWorker) handleMessage(parent context.Context, msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.cfg.Timeout)
	defer cancel()

	event, err := parseEvent(msg)
	if err != nil {
		w.log.Error(logFmtInvalidEvent, err)

		return
	}

	sink := w.progressSink(event.Header)

	audioKey, processErr := w.processTTSJob(ctx, event, sink)
	if processErr != nil {
		w.log.Error(logFmtJobFailed, event.Header.WorkflowID, processErr)
		sink.Emit(pipeline.Event{
			Stage:         pipeline.StageError,
			ChapterIndex:  chapterIndex(event),
			TotalChapters: event.TotalPages,
			Err:           processErr,
		})

		return
	}

	sink.Emit(pipeline.Event{
		Stage:         pipeline.StageDone,
		ChapterIndex:  chapterIndex(event),
		TotalChapters: event.TotalPages,
		Message:       audioKey,
	})

	replyEvent := &events.AudioChunkCreatedEvent{
		Header:     event.Header,
		AudioKey:   audioKey,
		PageNumber: event.PageNumber,
		TotalPages: event.TotalPages,
	}

	err = publishReplyEvent(msg, replyEvent)
	if err != nil {
		w.log.Error(logFmtReplyFailed, event.Header.WorkflowID, err)
	}
}

// processTTSJob checks the backend, downloads the text, renders it as one chapter
// and uploads the WAV track. A page that produced no audio is not uploaded.
func (w *NatsWorker) processTTSJob(
	ctx context.Context,
	event *events.TextProcessedEvent,
	sink pipeline.EventSink,
) (string, error) {
	if event.TextKey == "" {
		return "", ErrTextKeyEmpty
	}

	options := w.cfg.Defaults.WithOverrides(event.Temperature, event.TopP, event.RepetitionPenalty, event.Seed)

	validationErr := options.Validate()
	if validationErr != nil {
		return "", fmt.Errorf("invalid synthesis options: %w", validationErr)
	}

	err := w.synth.CheckBackend(ctx)
	if err != nil {
		return "", err
	}

	textData, err := w.store.Download(ctx, event.TextKey)
	if err != nil {
		return "", fmt.Errorf("failed to download text data for key '%s': %w", event.TextKey, err)
	}

	reference, err := w.resolveVoice(ctx, event.Voice)
	if err != nil {
		return "", err
	}

	chapter := core.Chapter{Index: chapterIndex(event), Text: string(textData)}

	track, _, err := w.synth.SynthesizeChapterWithOptions(ctx, chapter, reference, options, event.TotalPages, sink)
	if err != nil {
		return "", fmt.Errorf("failed to synthesize page %d: %w", event.PageNumber, err)
	}

	if len(track.PCM) == 0 {
		return "", fmt.Errorf("page %d: %w", event.PageNumber, ErrNoAudio)
	}

	wav, err := audio.EncodeWAV(track.PCM, track.Format)
	if err != nil {
		return "", fmt.Errorf("failed to encode audio track: %w", err)
	}

	audioKey := objectstore.NewAudioKey()

	err = w.store.Upload(ctx, audioKey, wav)
	if err != nil {
		return "", fmt.Errorf("failed to upload audio data for key '%s': %w", audioKey, err)
	}

	w.log.Info(logFmtJobDone, event.Header.WorkflowID, event.PageNumber, audioKey, track.DurationMs, len(track.Gaps))

	return audioKey, nil
}

// resolveVoice loads the named reference clip from the object store. An empty
// name selects the backend's default voice.
func (w *NatsWorker) resolveVoice(ctx context.Context, name string) (*core.ReferenceVoice, error) {
	if name == "" {
		return nil, nil
	}

	key := objectstore.VoiceKey(name)

	data, err := w.store.Download(ctx, key)
	if err != nil {
		return nil, &core.ReferenceLoadError{Source: key, Err: err}
	}

	return w.synth.ResolveReference(ctx, &voice.Source{Name: name, Data: data})
}

func (w *NatsWorker) progressSink(header events.EventHeader) pipeline.EventSink {
	if w.cfg.ProgressSubject == "" {
		return pipeline.Discard
	}

	return pipeline.SinkFunc(func(event pipeline.Event) {
		message := ProgressMessage{
			Header:        header,
			Stage:         event.Stage,
			ChapterIndex:  event.ChapterIndex,
			TotalChapters: event.TotalChapters,
			Message:       event.Message,
			Done:          event.Done,
			Total:         event.Total,
		}

		if event.Err != nil {
			message.Error = event.Err.Error()
		}

		data, err := json.Marshal(message)
		if err == nil {
			err = w.natsConnection.Publish(w.cfg.ProgressSubject, data)
		}

		if err != nil {
			w.log.Warn(logFmtProgressFailed, header.WorkflowID, err)
		}
	})
}

// chapterIndex maps a page number onto a 1-based chapter index.
func chapterIndex(event *events.TextProcessedEvent) int {
	return max(event.PageNumber, 1)
}

// publishReplyEvent marshals and responds with the AudioChunkCreatedEvent.
func publishReplyEvent(msg *nats.Msg, replyEvent *events.AudioChunkCreatedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func parseEvent(msg *nats.Msg) (*events.TextProcessedEvent, error) {
	var event events.TextProcessedEvent

	err := json.Unmarshal(msg.Data, &event)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	return &event, nil
}
