package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/book-expert/logger"
	"github.com/mattn/go-shellwords"

	"github.com/book-expert/audiobook-tts/internal/core"
)

const maxStderrBytes = 2048

// ErrFFmpegCommand is returned when the configured command line is empty.
var ErrFFmpegCommand = errors.New("ffmpeg command cannot be empty")

// FFmpeg runs the external ffmpeg binary. The configured command line may carry
// extra global flags, for example "ffmpeg -hide_banner -loglevel error".
type FFmpeg struct {
	argv []string
	log  *logger.Logger
}

// NewFFmpeg parses command with shell quoting rules.
func NewFFmpeg(command string, log *logger.Logger) (*FFmpeg, error) {
	argv, parseErr := shellwords.Parse(command)
	if parseErr != nil {
		return nil, fmt.Errorf("failed to parse ffmpeg command %q: %w", command, parseErr)
	}

	if len(argv) == 0 {
		return nil, ErrFFmpegCommand
	}

	return &FFmpeg{argv: argv, log: log}, nil
}

// Available reports whether the binary can be found on PATH.
func (f *FFmpeg) Available() error {
	_, err := exec.LookPath(f.argv[0])
	if err != nil {
		return fmt.Errorf("ffmpeg binary %q not found: %w", f.argv[0], err)
	}

	return nil
}

// Mux concatenates the listed inputs, attaches chapter metadata when present and
// encodes with the job codec.
func (f *FFmpeg) Mux(ctx context.Context, job core.MuxJob) error {
	args := []string{"-y", "-f", "concat", "-safe", "0", "-i", job.ListPath}

	if job.MetadataPath != "" {
		args = append(args, "-i", job.MetadataPath, "-map_metadata", "1")
	}

	args = append(args, "-map", "0:a", "-c:a", job.Codec.Name)

	if job.Codec.Bitrate != "" {
		args = append(args, "-b:a", job.Codec.Bitrate)
	}

	args = append(args, job.OutputPath)

	_, err := f.run(ctx, nil, args)

	return err
}

// ToWAV transcodes any container ffmpeg understands into 16-bit PCM WAV.
func (f *FFmpeg) ToWAV(ctx context.Context, data []byte) ([]byte, error) {
	args := []string{"-i", "pipe:0", "-f", "wav", "-acodec", "pcm_s16le", "pipe:1"}

	return f.run(ctx, data, args)
}

func (f *FFmpeg) run(ctx context.Context, stdin []byte, args []string) ([]byte, error) {
	argv := append(append([]string{}, f.argv[1:]...), args...)

	command := exec.CommandContext(ctx, f.argv[0], argv...)

	var stdout, stderr bytes.Buffer

	command.Stdout = &stdout
	command.Stderr = &stderr

	if stdin != nil {
		command.Stdin = bytes.NewReader(stdin)
	}

	runErr := command.Run()
	if runErr != nil {
		message := strings.TrimSpace(stderr.String())
		if len(message) > maxStderrBytes {
			message = message[len(message)-maxStderrBytes:]
		}

		f.log.Error("ffmpeg failed: %v: %s", runErr, message)

		return nil, fmt.Errorf("ffmpeg failed: %w: %s", runErr, message)
	}

	return stdout.Bytes(), nil
}
