package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/book-expert/logger"
	"github.com/dustin/go-humanize"

	"github.com/book-expert/audiobook-tts/internal/core"
)

const (
	filePermissions = 0o600
	dirPermissions  = 0o750

	stagedTrackFormat = "chapter_%04d.wav"
	concatListSuffix  = ".concat.txt"
	metadataSuffix    = ".ffmetadata"
	chapterTitleFmt   = "Chapter %d"
)

const (
	logFmtStaged    = "Staged chapter %d: %s (%s, %d ms, %d gaps)"
	logFmtMuxing    = "Muxing %d chapters into %s (%s)"
	logFmtAssembled = "Wrote audiobook %s (%s)"
	logFmtCleanup   = "Failed to remove %s: %v"
)

// Errors returned by the assembler.
var (
	ErrFormatMismatch  = errors.New("segments have different PCM formats")
	ErrSegmentOrder    = errors.New("segments are not in ordinal order")
	ErrNoChapters      = errors.New("no chapters to assemble")
	ErrOutputMissing   = errors.New("muxer produced no output file")
	ErrOutputEmpty     = errors.New("muxer produced an empty output file")
	ErrEmptyOutputPath = errors.New("output path cannot be empty")
)

// DefaultPCMFormat is the backend's usual output format.
var DefaultPCMFormat = core.PCMFormat{SampleRate: 44100, Channels: 1, BitDepth: BitDepth16}

// AssembleChapter concatenates segments into a chapter track. Placeholders
// contribute no audio and are recorded in Gaps. All real segments must share
// one PCM format. A chapter of placeholders only takes silentFormat, or
// DefaultPCMFormat when silentFormat is the zero value.
func AssembleChapter(
	chapterIndex int,
	title string,
	segments []core.AudioSegment,
	silentFormat core.PCMFormat,
) (*core.ChapterTrack, error) {
	track := &core.ChapterTrack{ChapterIndex: chapterIndex, Title: title}

	var (
		size     int
		previous = -1
		haveFmt  bool
	)

	for _, segment := range segments {
		if segment.Ordinal <= previous {
			return nil, &core.AssemblyError{
				ChapterIndex: chapterIndex,
				Op:           "concatenate",
				Err:          fmt.Errorf("%w: %d after %d", ErrSegmentOrder, segment.Ordinal, previous),
			}
		}

		previous = segment.Ordinal

		if segment.Placeholder {
			track.Gaps = append(track.Gaps, segment.Ordinal)

			continue
		}

		if !haveFmt {
			track.Format = segment.Format
			haveFmt = true
		} else if segment.Format != track.Format {
			return nil, &core.AssemblyError{
				ChapterIndex: chapterIndex,
				Op:           "concatenate",
				Err: fmt.Errorf("%w: ordinal %d is %+v, chapter is %+v",
					ErrFormatMismatch, segment.Ordinal, segment.Format, track.Format),
			}
		}

		size += len(segment.PCM)
	}

	if !haveFmt {
		track.Format = silentFormat
		if track.Format == (core.PCMFormat{}) {
			track.Format = DefaultPCMFormat
		}
	}

	track.PCM = make([]byte, 0, size)
	for _, segment := range segments {
		track.PCM = append(track.PCM, segment.PCM...)
	}

	track.DurationMs = DurationMs(track.PCM, track.Format)

	return track, nil
}

// BuildManifest lays chapters end to end. A chapter of d ms spans
// [start, start+d-1]; the next chapter starts 1 ms after the previous end.
func BuildManifest(title, artist string, tracks []*core.ChapterTrack) core.AudiobookManifest {
	manifest := core.AudiobookManifest{Title: flatten(title), Artist: flatten(artist)}

	var start int64

	for _, track := range tracks {
		end := start
		if track.DurationMs > 0 {
			end = start + track.DurationMs - 1
		}

		manifest.Chapters = append(manifest.Chapters, core.ManifestChapter{
			Title:   ChapterTitle(track.ChapterIndex, track.Title),
			StartMs: start,
			EndMs:   end,
		})

		start = end + 1
	}

	return manifest
}

// ChapterTitle returns a single-line title, falling back to "Chapter N".
func ChapterTitle(index int, title string) string {
	title = flatten(title)
	if title == "" {
		return fmt.Sprintf(chapterTitleFmt, index)
	}

	return title
}

func flatten(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

// WriteMetadata writes manifest as an FFMETADATA1 file with millisecond chapters.
func WriteMetadata(path string, manifest core.AudiobookManifest) error {
	var builder strings.Builder

	builder.WriteString(";FFMETADATA1\n")
	builder.WriteString("title=" + escapeMetadata(manifest.Title) + "\n")

	if manifest.Artist != "" {
		builder.WriteString("artist=" + escapeMetadata(manifest.Artist) + "\n")
	}

	for _, chapter := range manifest.Chapters {
		builder.WriteString("\n[CHAPTER]\nTIMEBASE=1/1000\n")
		builder.WriteString("START=" + strconv.FormatInt(chapter.StartMs, 10) + "\n")
		builder.WriteString("END=" + strconv.FormatInt(chapter.EndMs, 10) + "\n")
		builder.WriteString("title=" + escapeMetadata(chapter.Title) + "\n")
	}

	err := os.WriteFile(path, []byte(builder.String()), filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}

	return nil
}

var metadataEscaper = strings.NewReplacer(`\`, `\\`, "=", `\=`, ";", `\;`, "#", `\#`, "\n", `\`+"\n")

func escapeMetadata(value string) string {
	return metadataEscaper.Replace(value)
}

// WriteConcatList writes an ffmpeg concat demuxer list naming files in order.
func WriteConcatList(path string, files []string) error {
	var builder strings.Builder

	for _, file := range files {
		absolute, absErr := filepath.Abs(file)
		if absErr != nil {
			return fmt.Errorf("failed to resolve %s: %w", file, absErr)
		}

		builder.WriteString("file '" + strings.ReplaceAll(absolute, "'", `'\''`) + "'\n")
	}

	err := os.WriteFile(path, []byte(builder.String()), filePermissions)
	if err != nil {
		return fmt.Errorf("failed to write concat list: %w", err)
	}

	return nil
}

// StagedChapter is a chapter track written to disk for muxing.
type StagedChapter struct {
	Track *core.ChapterTrack
	Path  string
}

// BookJob describes one final audiobook container.
type BookJob struct {
	Title      string
	Artist     string
	Chapters   []StagedChapter
	OutputPath string
	Format     Format
}

// Assembler stages chapter tracks in a work directory and muxes them into the
// final container.
type Assembler struct {
	workDir string
	muxer   core.Muxer
	log     *logger.Logger
}

// NewAssembler creates an assembler that stages files under workDir.
func NewAssembler(workDir string, muxer core.Muxer, log *logger.Logger) *Assembler {
	return &Assembler{workDir: workDir, muxer: muxer, log: log}
}

// WorkDir returns the staging directory.
func (a *Assembler) WorkDir() string {
	return a.workDir
}

// StageTrack writes track as a WAV file in the work directory.
func (a *Assembler) StageTrack(track *core.ChapterTrack) (StagedChapter, error) {
	dirErr := os.MkdirAll(a.workDir, dirPermissions)
	if dirErr != nil {
		return StagedChapter{}, &core.AssemblyError{ChapterIndex: track.ChapterIndex, Op: "stage", Err: dirErr}
	}

	wav, encodeErr := EncodeWAV(track.PCM, track.Format)
	if encodeErr != nil {
		return StagedChapter{}, &core.AssemblyError{ChapterIndex: track.ChapterIndex, Op: "stage", Err: encodeErr}
	}

	path := filepath.Join(a.workDir, fmt.Sprintf(stagedTrackFormat, track.ChapterIndex))

	writeErr := os.WriteFile(path, wav, filePermissions)
	if writeErr != nil {
		return StagedChapter{}, &core.AssemblyError{ChapterIndex: track.ChapterIndex, Op: "stage", Err: writeErr}
	}

	a.log.Info(logFmtStaged, track.ChapterIndex, path,
		humanize.Bytes(uint64(len(wav))), track.DurationMs, len(track.Gaps))

	return StagedChapter{Track: track, Path: path}, nil
}

// AssembleBook muxes the staged chapters into job.OutputPath. An existing output
// is removed first; the concat list and metadata file are always removed; a
// partial output is removed on failure.
func (a *Assembler) AssembleBook(ctx context.Context, job BookJob) (*core.AudiobookManifest, error) {
	if len(job.Chapters) == 0 {
		return nil, &core.AssemblyError{Op: "mux", Err: ErrNoChapters}
	}

	if job.OutputPath == "" {
		return nil, &core.AssemblyError{Op: "mux", Err: ErrEmptyOutputPath}
	}

	formatErr := uniformFormat(job.Chapters)
	if formatErr != nil {
		return nil, formatErr
	}

	removeErr := os.Remove(job.OutputPath)
	if removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
		return nil, &core.AssemblyError{Op: "prepare", Err: removeErr}
	}

	for _, dir := range []string{filepath.Dir(job.OutputPath), a.workDir} {
		dirErr := os.MkdirAll(dir, dirPermissions)
		if dirErr != nil {
			return nil, &core.AssemblyError{Op: "prepare", Err: dirErr}
		}
	}

	tracks := make([]*core.ChapterTrack, 0, len(job.Chapters))
	files := make([]string, 0, len(job.Chapters))

	for _, chapter := range job.Chapters {
		tracks = append(tracks, chapter.Track)
		files = append(files, chapter.Path)
	}

	manifest := BuildManifest(job.Title, job.Artist, tracks)
	base := strings.TrimSuffix(filepath.Base(job.OutputPath), filepath.Ext(job.OutputPath))
	muxJob := core.MuxJob{
		ListPath:   filepath.Join(a.workDir, base+concatListSuffix),
		OutputPath: job.OutputPath,
		Codec:      job.Format.Codec(),
	}

	defer a.remove(muxJob.ListPath)

	listErr := WriteConcatList(muxJob.ListPath, files)
	if listErr != nil {
		return nil, &core.AssemblyError{Op: "prepare", Err: listErr}
	}

	if job.Format.SupportsChapters() {
		muxJob.MetadataPath = filepath.Join(a.workDir, base+metadataSuffix)

		defer a.remove(muxJob.MetadataPath)

		metaErr := WriteMetadata(muxJob.MetadataPath, manifest)
		if metaErr != nil {
			return nil, &core.AssemblyError{Op: "prepare", Err: metaErr}
		}
	}

	a.log.Info(logFmtMuxing, len(job.Chapters), job.OutputPath, muxJob.Codec.Name)

	muxErr := a.muxer.Mux(ctx, muxJob)
	if muxErr != nil {
		a.remove(job.OutputPath)

		return nil, &core.AssemblyError{Op: "mux", Err: muxErr}
	}

	size, verifyErr := verifyOutput(job.OutputPath)
	if verifyErr != nil {
		a.remove(job.OutputPath)

		return nil, &core.AssemblyError{Op: "verify", Err: verifyErr}
	}

	a.log.Info(logFmtAssembled, job.OutputPath, humanize.Bytes(uint64(size)))

	return &manifest, nil
}

// uniformFormat rejects chapters whose PCM format differs from the first one.
func uniformFormat(chapters []StagedChapter) error {
	first := chapters[0].Track

	for _, chapter := range chapters[1:] {
		if chapter.Track.Format != first.Format {
			return &core.AssemblyError{
				ChapterIndex: chapter.Track.ChapterIndex,
				Op:           "mux",
				Err: fmt.Errorf("%w: chapter %d is %+v, chapter %d is %+v", ErrFormatMismatch,
					chapter.Track.ChapterIndex, chapter.Track.Format, first.ChapterIndex, first.Format),
			}
		}
	}

	return nil
}

// Cleanup removes the staged chapter files.
func (a *Assembler) Cleanup(chapters []StagedChapter) {
	for _, chapter := range chapters {
		a.remove(chapter.Path)
	}
}

func (a *Assembler) remove(path string) {
	err := os.Remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		a.log.Warn(logFmtCleanup, path, err)
	}
}

// verifyOutput checks that path exists, is non-empty and can be read.
func verifyOutput(path string) (int64, error) {
	info, statErr := os.Stat(path)
	if errors.Is(statErr, os.ErrNotExist) {
		return 0, ErrOutputMissing
	}

	if statErr != nil {
		return 0, fmt.Errorf("failed to stat output: %w", statErr)
	}

	if info.Size() == 0 {
		return 0, ErrOutputEmpty
	}

	file, openErr := os.Open(path)
	if openErr != nil {
		return 0, fmt.Errorf("failed to open output: %w", openErr)
	}

	defer func() { _ = file.Close() }()

	_, readErr := file.Read(make([]byte, 1))
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		return 0, fmt.Errorf("failed to read output: %w", readErr)
	}

	return info.Size(), nil
}
