// Package core defines the data model, collaborator interfaces and error taxonomy
// shared by the audiobook synthesis pipeline.
package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// DocumentParser turns a document on disk into a title and an ordered chapter list.
type DocumentParser interface {
	Parse(path string) (string, []Chapter, error)
}

// MuxJob describes one concatenate-and-encode run of the external muxer.
type MuxJob struct {
	// ListPath is a concat list naming the staged PCM/WAV inputs in order.
	ListPath string
	// MetadataPath is empty when the container does not carry chapters.
	MetadataPath string
	OutputPath   string
	Codec        Codec
}

// Codec selects the encoder and bitrate used for the final container.
type Codec struct {
	Name    string
	Bitrate string
}

// Muxer produces the final container for a MuxJob.
type Muxer interface {
	Mux(ctx context.Context, job MuxJob) error
}
