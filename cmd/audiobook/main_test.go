package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/book-expert/audiobook-tts/internal/tts/audio"
)

// Test constants.
const (
	TestExpectedFlag = "Expected %s flag %v, got %v"
	TestStreamBody   = "RIFF-streamed-audio"
)

// TestParseFlags verifies that command-line flags are parsed correctly.
func TestParseFlags(t *testing.T) {
	t.Parallel()

	flags, err := parseFlags([]string{
		"--book", "novel.json", "--start", "2", "--end", "4", "--format", "mp3",
		"--voice", "narrator.wav", "--voice-text", "Hello.", "--continue-on-error", "--verbose",
	})
	if err != nil {
		t.Fatalf("parseFlags failed: %v", err)
	}

	if flags.book != "novel.json" {
		t.Errorf(TestExpectedFlag, flagBook, "novel.json", flags.book)
	}

	if flags.start != 2 || flags.end != 4 {
		t.Errorf(TestExpectedFlag, "range", "2-4", fmt.Sprintf("%d-%d", flags.start, flags.end))
	}

	if flags.format != "mp3" || flags.voice != "narrator.wav" || flags.voiceText != "Hello." {
		t.Errorf("Unexpected flags: %+v", flags)
	}

	if !flags.continueOnError || !flags.verbose {
		t.Errorf(TestExpectedFlag, flagContinue, true, flags.continueOnError)
	}

	defaults, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags failed: %v", err)
	}

	if defaults.start != 1 || defaults.end != 0 {
		t.Errorf("Unexpected default range %d-%d", defaults.start, defaults.end)
	}

	_, err = parseFlags([]string{"--unknown"})
	if err == nil {
		t.Error("Expected an error for an unknown flag")
	}
}

// TestArgumentValidation verifies required and conflicting arguments.
func TestArgumentValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		flags   appFlags
		wantErr error
	}{
		{name: "success with text", flags: appFlags{text: "some text"}},
		{name: "success with book", flags: appFlags{book: "book.json", format: "m4b"}},
		{name: "error with both", flags: appFlags{text: "x", book: "book.json"}, wantErr: ErrCannotSpecifyBoth},
		{name: "error with neither", flags: appFlags{}, wantErr: ErrEitherBookOrText},
		{name: "error with negative start", flags: appFlags{book: "b.txt", start: -1}, wantErr: ErrNegativeRange},
		{name: "error with book type", flags: appFlags{book: "book.epub"}, wantErr: ErrBookExtension},
		{name: "error with voice type", flags: appFlags{text: "x", voice: "voice.aiff"}, wantErr: ErrVoiceExtension},
		{name: "success with upper-case voice", flags: appFlags{text: "x", voice: "VOICE.WAV"}},
		{name: "error with format", flags: appFlags{book: "b.txt", format: "ogg"}, wantErr: audio.ErrUnknownOutput},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			err := validateArguments(testCase.flags)

			if testCase.wantErr == nil && err != nil {
				t.Errorf("Did not expect an error, but got: %v", err)
			}

			if testCase.wantErr != nil && !errors.Is(err, testCase.wantErr) {
				t.Errorf("Expected error %v, but got %v", testCase.wantErr, err)
			}
		})
	}
}

// writeConfig points a configuration file at url with logs and output under t.TempDir().
func writeConfig(t *testing.T, url string) (string, string) {
	t.Helper()

	dir := t.TempDir()
	outputDir := filepath.Join(dir, "out")
	content := fmt.Sprintf(`
[tts_service]
url = %q
probe_timeout_seconds = 2

[paths]
base_logs_dir = %q

[output]
dir = %q
work_dir = %q
`, url, filepath.Join(dir, "logs"), outputDir, filepath.Join(dir, "work"))

	path := filepath.Join(dir, "audiobook.toml")

	err := os.WriteFile(path, []byte(content), 0o600)
	if err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	return path, outputDir
}

func newStreamingBackend(t *testing.T) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/tts" {
			_, _ = w.Write([]byte(TestStreamBody))

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	return server
}

func TestRun_HealthCheck(t *testing.T) {
	t.Parallel()

	server := newStreamingBackend(t)
	configPath, _ := writeConfig(t, server.URL)

	var stdout bytes.Buffer

	err := run(context.Background(), []string{"--health", "--config", configPath}, &stdout)
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}

	if !strings.Contains(stdout.String(), "is healthy") {
		t.Errorf("Unexpected output %q", stdout.String())
	}
}

func TestRun_HealthCheckPrintsRemediation(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	configPath, _ := writeConfig(t, url)

	var stdout bytes.Buffer

	err := run(context.Background(), []string{"--health", "--config", configPath}, &stdout)
	if err == nil {
		t.Fatal("Expected the health check to fail")
	}

	if !strings.Contains(stdout.String(), "--listen") {
		t.Errorf("Expected remediation in output, got %q", stdout.String())
	}
}

func TestRun_SingleTextStreamsToFile(t *testing.T) {
	t.Parallel()

	server := newStreamingBackend(t)
	configPath, outputDir := writeConfig(t, server.URL)

	var stdout bytes.Buffer

	err := run(context.Background(), []string{"--text", "Hello there.", "--config", configPath}, &stdout)
	if err != nil {
		t.Fatalf("Single text run failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(outputDir, defaultOutputFile))
	if err != nil {
		t.Fatalf("Expected output file: %v", err)
	}

	if string(data) != TestStreamBody {
		t.Errorf("Expected streamed body %q, got %q", TestStreamBody, data)
	}

	if !strings.Contains(stdout.String(), "Generated:") {
		t.Errorf("Unexpected output %q", stdout.String())
	}
}

func TestRun_RejectsInvalidArguments(t *testing.T) {
	t.Parallel()

	err := run(context.Background(), []string{"--book", "a.json", "--text", "b"}, &bytes.Buffer{})
	if !errors.Is(err, ErrCannotSpecifyBoth) {
		t.Errorf("Expected %v, got %v", ErrCannotSpecifyBoth, err)
	}
}
