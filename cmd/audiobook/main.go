// Command audiobook converts a book, or a single text, into speech through a
// Fish-Speech backend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	"github.com/book-expert/logger"

	"github.com/book-expert/audiobook-tts/internal/book"
	"github.com/book-expert/audiobook-tts/internal/config"
	"github.com/book-expert/audiobook-tts/internal/core"
	"github.com/book-expert/audiobook-tts/internal/pipeline"
	"github.com/book-expert/audiobook-tts/internal/tts"
	"github.com/book-expert/audiobook-tts/internal/tts/audio"
	"github.com/book-expert/audiobook-tts/internal/tts/ttsutils"
	"github.com/book-expert/audiobook-tts/internal/tts/voice"
)

// Flag descriptions.
const (
	flagBookDesc      = "Book file to convert (.json, .md or .txt)"
	flagTextDesc      = "Text to convert to speech"
	flagVoiceDesc     = "Reference voice clip (.wav, .mp3, .ogg, .m4a, .flac)"
	flagVoiceTextDesc = "Transcript of the reference voice clip"
	flagStartDesc     = "First chapter to convert (1-based)"
	flagEndDesc       = "Last chapter to convert (inclusive, 0 for the last chapter)"
	flagFormatDesc    = "Output format: wav, mp3, flac, aac, m4b or m4a (defaults to output.format)"
	flagOutputDesc    = "Output directory for --book, output file for --text"
	flagTitleDesc     = "Book title (defaults to the title found in the book)"
	flagConfigDesc    = "Path to a TOML configuration file"
	flagVerboseDesc   = "Print per-utterance progress"
	flagHealthDesc    = "Check TTS service health and exit"
	flagContinueDesc  = "Skip chapters that fail instead of stopping"
)

// Flag names.
const (
	flagBook     = "book"
	flagText     = "text"
	flagVoice    = "voice"
	flagVoiceTxt = "voice-text"
	flagStart    = "start"
	flagEnd      = "end"
	flagFormat   = "format"
	flagOutput   = "output"
	flagTitle    = "title"
	flagConfig   = "config"
	flagVerbose  = "verbose"
	flagHealth   = "health"
	flagContinue = "continue-on-error"
)

// Error messages.
const (
	errFailedToLoadConfig  = "failed to load configuration: %w"
	errFailedToInitLogger  = "failed to initialize logger: %w"
	errFailedToCreateDirs  = "failed to create directories: %w"
	errFailedToParseBook   = "failed to parse book: %w"
	errFailedToProcessText = "failed to process text: %w"
)

// Console messages.
const (
	msgServiceHealthy    = "TTS service at %s is healthy\n"
	msgServiceNotHealthy = "TTS service is not healthy: %v\n"
	msgRemediation       = "  %s\n"
	msgGenerated         = "Generated: %s (%s)\n"
	msgBookSummary       = "Generated: %s (%s, %d chapters, %s of audio in %s)\n"
	msgChapterGaps       = "  chapter %d: %d utterances replaced by silence\n"
)

// Log messages.
const (
	logClientInitialized    = "Audiobook client initialized (backend: %s)"
	logProcessingSingleText = "Processing single text to: %s"
	logProcessingBook       = "Processing book %s (%d chapters)"
)

const (
	logFileNameDefault = "audiobook.log"
	logDirName         = "logs"
	defaultOutputFile  = "output.wav"
)

// Argument errors.
var (
	ErrEitherBookOrText  = errors.New("either --book or --text must be provided")
	ErrCannotSpecifyBoth = errors.New("cannot specify both --book and --text")
	ErrNegativeRange     = errors.New("--start and --end cannot be negative")
	ErrVoiceExtension    = errors.New("unsupported reference voice file")
	ErrBookExtension     = errors.New("unsupported book file")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	book            string
	text            string
	voice           string
	voiceText       string
	start           int
	end             int
	format          string
	output          string
	title           string
	config          string
	verbose         bool
	health          bool
	continueOnError bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := run(ctx, os.Args[1:], os.Stdout)

	stop()

	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

// run is the main application entry point, returning an error on failure.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	if !flags.health {
		validateErr := validateArguments(flags)
		if validateErr != nil {
			return validateErr
		}
	}

	cfg, appLog, err := setup(flags.config)
	if err != nil {
		return err
	}

	defer func() { _ = appLog.Close() }()

	pc, err := pipeline.NewContext(cfg, appLog)
	if err != nil {
		return err
	}

	appLog.Info(logClientInitialized, pc.Client.BaseURL())

	if flags.health {
		return handleHealthCheck(ctx, pc, stdout)
	}

	controller := pipeline.NewController(pc)

	if flags.text != "" {
		return processSingleText(ctx, pc, controller, flags, stdout)
	}

	return processBook(ctx, pc, controller, flags, stdout)
}

// parseFlags defines and parses command-line flags, returning them in a struct.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	flagSet := flag.NewFlagSet("audiobook", flag.ContinueOnError)
	flagSet.StringVar(&flags.book, flagBook, "", flagBookDesc)
	flagSet.StringVar(&flags.text, flagText, "", flagTextDesc)
	flagSet.StringVar(&flags.voice, flagVoice, "", flagVoiceDesc)
	flagSet.StringVar(&flags.voiceText, flagVoiceTxt, "", flagVoiceTextDesc)
	flagSet.IntVar(&flags.start, flagStart, 1, flagStartDesc)
	flagSet.IntVar(&flags.end, flagEnd, 0, flagEndDesc)
	flagSet.StringVar(&flags.format, flagFormat, "", flagFormatDesc)
	flagSet.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	flagSet.StringVar(&flags.title, flagTitle, "", flagTitleDesc)
	flagSet.StringVar(&flags.config, flagConfig, "", flagConfigDesc)
	flagSet.BoolVar(&flags.verbose, flagVerbose, false, flagVerboseDesc)
	flagSet.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	flagSet.BoolVar(&flags.continueOnError, flagContinue, false, flagContinueDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	return flags, nil
}

// validateArguments checks required and conflicting arguments before any work starts.
func validateArguments(flags appFlags) error {
	switch {
	case flags.book == "" && flags.text == "":
		return ErrEitherBookOrText
	case flags.book != "" && flags.text != "":
		return ErrCannotSpecifyBoth
	case flags.start < 0 || flags.end < 0:
		return ErrNegativeRange
	case flags.book != "" && !ttsutils.IsValidTextFile(flags.book):
		return fmt.Errorf("%w: %s", ErrBookExtension, flags.book)
	case flags.voice != "" && !slices.Contains(voice.SupportedExtensions(), extension(flags.voice)):
		return fmt.Errorf("%w: %s", ErrVoiceExtension, flags.voice)
	}

	if flags.format != "" {
		_, err := audio.ParseFormat(flags.format)
		if err != nil {
			return err
		}
	}

	return nil
}

// setup loads config, initializes the logger, and ensures directories exist.
func setup(configPath string) (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf(errFailedToLoadConfig, err)
	}

	logDir := cfg.Paths.BaseLogsDir
	if logDir == "" {
		logDir = filepath.Join(ttsutils.GetCacheDir(), logDirName)
	}

	for _, dir := range []string{logDir, cfg.Output.Dir} {
		dirErr := ttsutils.EnsureDir(dir)
		if dirErr != nil {
			return nil, nil, fmt.Errorf(errFailedToCreateDirs, dirErr)
		}
	}

	appLog, err := logger.New(logDir, logFileNameDefault)
	if err != nil {
		return nil, nil, fmt.Errorf(errFailedToInitLogger, err)
	}

	return cfg, appLog, nil
}

// handleHealthCheck runs the reachability probe and prints remediation on failure.
func handleHealthCheck(ctx context.Context, pc *pipeline.Context, stdout io.Writer) error {
	err := pc.Client.Probe(ctx)
	if err != nil {
		pc.Log.Error("Health check failed: %v", err)
		_, _ = fmt.Fprintf(stdout, msgServiceNotHealthy, err)

		var unavailable *core.BackendUnavailableError
		if errors.As(err, &unavailable) && unavailable.Remediation != "" {
			_, _ = fmt.Fprintf(stdout, msgRemediation, unavailable.Remediation)
		}

		return err
	}

	_, _ = fmt.Fprintf(stdout, msgServiceHealthy, pc.Client.BaseURL())

	return nil
}

// processSingleText streams the backend audio for one text straight to a file.
func processSingleText(
	ctx context.Context,
	pc *pipeline.Context,
	controller *pipeline.Controller,
	flags appFlags,
	stdout io.Writer,
) error {
	outputPath := flags.output
	if outputPath == "" {
		outputPath = filepath.Join(pc.Config.Output.Dir, defaultOutputFile)
	}

	pc.Log.Info(logProcessingSingleText, outputPath)

	reference, err := controller.ResolveReference(ctx, voiceSource(flags))
	if err != nil {
		return fmt.Errorf(errFailedToProcessText, err)
	}

	stream, err := pc.Client.SynthesizeStream(ctx, core.SynthesisRequest{
		Text:      flags.text,
		Reference: reference,
		Format:    tts.BackendFormatWAV,
	}, tts.CallOptions{ChapterIndex: 1})
	if err != nil {
		return fmt.Errorf(errFailedToProcessText, err)
	}

	defer func() { _ = stream.Close() }()

	written, err := writeStream(outputPath, stream)
	if err != nil {
		pc.Log.Error("Failed to write %s: %v", outputPath, err)

		return fmt.Errorf(errFailedToProcessText, err)
	}

	_, _ = fmt.Fprintf(stdout, msgGenerated, outputPath, ttsutils.FormatFileSize(written))

	return nil
}

// processBook parses the book and runs the pipeline over the selected chapters.
func processBook(
	ctx context.Context,
	pc *pipeline.Context,
	controller *pipeline.Controller,
	flags appFlags,
	stdout io.Writer,
) error {
	formatName := flags.format
	if formatName == "" {
		formatName = pc.Config.Output.Format
	}

	format, err := audio.ParseFormat(formatName)
	if err != nil {
		return err
	}

	var parser core.DocumentParser = book.NewParser()

	title, chapters, err := parser.Parse(flags.book)
	if err != nil {
		return fmt.Errorf(errFailedToParseBook, err)
	}

	if flags.title != "" {
		title = flags.title
	}

	outputDir := flags.output
	if outputDir == "" {
		outputDir = pc.Config.Output.Dir
	}

	pc.Log.Info(logProcessingBook, flags.book, len(chapters))

	result, err := controller.Run(ctx, pipeline.Request{
		Title:           title,
		Artist:          pc.Config.Output.Artist,
		BaseName:        ttsutils.BaseName(title),
		Chapters:        chapters,
		Start:           flags.start,
		End:             flags.end,
		Voice:           voiceSource(flags),
		Format:          format,
		OutputDir:       outputDir,
		ContinueOnError: flags.continueOnError,
	}, pipeline.NewPrinter(stdout, flags.verbose))
	if err != nil {
		return err
	}

	size := int64(0)
	if info, statErr := os.Stat(result.OutputPath); statErr == nil {
		size = info.Size()
	}

	_, _ = fmt.Fprintf(stdout, msgBookSummary, result.OutputPath, ttsutils.FormatFileSize(size),
		len(result.Manifest.Chapters), ttsutils.FormatDuration(result.Manifest.Duration()),
		ttsutils.FormatDuration(result.Elapsed))

	for _, chapter := range result.Chapters {
		if len(chapter.Gaps) > 0 {
			_, _ = fmt.Fprintf(stdout, msgChapterGaps, chapter.Index, len(chapter.Gaps))
		}
	}

	return nil
}

func voiceSource(flags appFlags) *voice.Source {
	if flags.voice == "" {
		return nil
	}

	return &voice.Source{Path: flags.voice, Transcript: flags.voiceText}
}

func writeStream(path string, stream io.Reader) (int64, error) {
	dirErr := ttsutils.EnsureDir(filepath.Dir(path))
	if dirErr != nil {
		return 0, dirErr
	}

	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}

	written, copyErr := io.Copy(file, stream)
	closeErr := file.Close()

	if copyErr != nil {
		_ = os.Remove(path)

		return 0, fmt.Errorf("failed to stream audio: %w", copyErr)
	}

	if closeErr != nil {
		return 0, fmt.Errorf("failed to close output file: %w", closeErr)
	}

	return written, nil
}

func extension(path string) string {
	return strings.ToLower(filepath.Ext(path))
}
