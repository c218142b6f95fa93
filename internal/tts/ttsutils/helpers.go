// Package ttsutils provides path, naming and display helpers shared by the
// audiobook commands and pipeline.
package ttsutils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Environment variable names used for path resolution.
const (
	envCacheDir = "CACHE_DIR"
)

const (
	appName                = "audiobook-tts"
	cacheDirName           = "cache"
	dotCache               = ".cache"
	defaultDirPermissions  = 0o750
	invalidCharReplacement = "_"
	defaultBaseName        = "audiobook"
)

const (
	formatSeconds = "%.1fs"
	formatMinutes = "%dm %.1fs"
	formatHours   = "%dh %dm"
)

const errFmtFailedToCreateDir = "failed to create directory %s: %w"

var (
	audioExtensions = map[string]struct{}{
		".wav": {}, ".mp3": {}, ".flac": {}, ".ogg": {}, ".m4a": {}, ".aac": {}, ".m4b": {},
	}
	textExtensions = map[string]struct{}{
		".txt": {}, ".md": {}, ".json": {},
	}
	filenameReplacer = strings.NewReplacer(
		"<", invalidCharReplacement,
		">", invalidCharReplacement,
		":", invalidCharReplacement,
		"\"", invalidCharReplacement,
		"/", invalidCharReplacement,
		"\\", invalidCharReplacement,
		"|", invalidCharReplacement,
		"?", invalidCharReplacement,
		"*", invalidCharReplacement,
	)
)

// GetCacheDir returns the application's cache directory, honouring CACHE_DIR.
func GetCacheDir() string {
	if cacheDir := os.Getenv(envCacheDir); cacheDir != "" {
		return cacheDir
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), appName, cacheDirName)
	}

	return filepath.Join(homeDir, dotCache, appName)
}

// EnsureDir creates path and its parents when missing.
func EnsureDir(path string) error {
	mkdirErr := os.MkdirAll(path, defaultDirPermissions)
	if mkdirErr != nil {
		return fmt.Errorf(errFmtFailedToCreateDir, path, mkdirErr)
	}

	return nil
}

// FormatDuration renders d as "45.2s", "5m 30.5s" or "1h 15m".
func FormatDuration(d time.Duration) string {
	seconds := d.Seconds()

	switch {
	case d < time.Minute:
		return fmt.Sprintf(formatSeconds, seconds)
	case d < time.Hour:
		minutes := int(d / time.Minute)

		return fmt.Sprintf(formatMinutes, minutes, seconds-float64(minutes*60))
	default:
		hours := int(d / time.Hour)
		minutes := int((d % time.Hour) / time.Minute)

		return fmt.Sprintf(formatHours, hours, minutes)
	}
}

// FormatFileSize renders a byte count such as "1.2 MB".
func FormatFileSize(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}

	return humanize.Bytes(uint64(bytes))
}

// IsValidAudioFile reports whether filename has a known audio extension.
func IsValidAudioFile(filename string) bool {
	_, found := audioExtensions[strings.ToLower(filepath.Ext(filename))]

	return found
}

// IsValidTextFile reports whether filename is a readable book source.
func IsValidTextFile(filename string) bool {
	_, found := textExtensions[strings.ToLower(filepath.Ext(filename))]

	return found
}

// SanitizeFilename replaces characters that are invalid in most filesystems.
func SanitizeFilename(filename string) string {
	return filenameReplacer.Replace(filename)
}

// BaseName derives an output file stem from a title, collapsing whitespace.
func BaseName(title string) string {
	stem := strings.Join(strings.Fields(SanitizeFilename(title)), "_")
	if stem == "" {
		return defaultBaseName
	}

	return stem
}
