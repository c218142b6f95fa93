package pipeline

import (
	"fmt"
	"io"
	"iter"
	"slices"
	"sync"
)

// Stage names a pipeline step reported in progress events.
type Stage string

// Pipeline stages.
const (
	StageSynthesizing Stage = "synthesizing"
	StageMerging      Stage = "merging"
	StageDone         Stage = "done"
	StageError        Stage = "error"
)

// Event is one progress update. ChapterIndex is 0 for book-level events.
// Done and Total count finished utterances while synthesizing.
type Event struct {
	Stage         Stage
	ChapterIndex  int
	TotalChapters int
	Message       string
	Done          int
	Total         int
	Err           error
}

// EventSink receives progress events. Emit may be called from worker goroutines
// and must be safe for concurrent use.
type EventSink interface {
	Emit(event Event)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(event Event)

// Emit calls f.
func (f SinkFunc) Emit(event Event) {
	f(event)
}

// Discard drops every event.
var Discard EventSink = SinkFunc(func(Event) {})

// Fanout forwards every event to each sink in order.
func Fanout(sinks ...EventSink) EventSink {
	return SinkFunc(func(event Event) {
		for _, sink := range sinks {
			sink.Emit(event)
		}
	})
}

// Recorder keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit records event.
func (r *Recorder) Emit(event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// All replays the events recorded so far. Each iteration starts from the first
// event and sees a snapshot taken when the iteration begins.
func (r *Recorder) All() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		r.mu.Lock()
		snapshot := slices.Clone(r.events)
		r.mu.Unlock()

		for _, event := range snapshot {
			if !yield(event) {
				return
			}
		}
	}
}

// Len returns the number of recorded events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.events)
}

// Printer writes one human-readable line per event. Per-utterance synthesizing
// updates are only printed when verbose is set.
type Printer struct {
	mu      sync.Mutex
	out     io.Writer
	verbose bool
}

// NewPrinter creates a printer writing to out.
func NewPrinter(out io.Writer, verbose bool) *Printer {
	return &Printer{out: out, verbose: verbose}
}

// Emit prints event.
func (p *Printer) Emit(event Event) {
	if event.Stage == StageSynthesizing && event.Total > 0 && !p.verbose {
		return
	}

	line := FormatEvent(event)

	p.mu.Lock()
	defer p.mu.Unlock()

	_, _ = fmt.Fprintln(p.out, line)
}

// FormatEvent renders event as a single line such as
// "[2/5] synthesizing: 3/10 utterances".
func FormatEvent(event Event) string {
	prefix := fmt.Sprintf("[%s]", event.Stage)
	if event.ChapterIndex > 0 {
		prefix = fmt.Sprintf("[%d/%d] %s", event.ChapterIndex, event.TotalChapters, event.Stage)
	}

	message := event.Message
	if event.Total > 0 {
		message = fmt.Sprintf("%d/%d utterances", event.Done, event.Total)
	}

	switch {
	case event.Err != nil && message == "":
		message = event.Err.Error()
	case event.Err != nil:
		message = fmt.Sprintf("%s: %v", message, event.Err)
	}

	if message == "" {
		return prefix
	}

	return prefix + ": " + message
}
