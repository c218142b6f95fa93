// Package objectstore stores book text, reference voices and rendered audio in a
// NATS JetStream object store bucket.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	voicePrefix    = "voices"
	audioExtension = ".wav"
)

const (
	errFmtCreateBucket = "failed to create object store bucket '%s': %w"
	errFmtBindBucket   = "failed to bind to existing object store bucket '%s': %w"
	errFmtGet          = "failed to get object '%s' from bucket '%s': %w"
	errFmtPut          = "failed to put object '%s' to bucket '%s': %w"
)

// ErrNotFound is returned by Download for a missing key.
var ErrNotFound = errors.New("object not found")

// NatsObjectStore implements core.ObjectStore on a JetStream object store bucket.
type NatsObjectStore struct {
	bucket string
	store  jetstream.ObjectStore
}

// New creates the bucket, or binds to it when it already exists.
func New(ctx context.Context, js jetstream.JetStream, bucketName string) (*NatsObjectStore, error) {
	store, err := js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Audiobook artifacts for the %s bucket.", bucketName),
		Storage:     jetstream.FileStorage,
		Replicas:    1,
	})
	if errors.Is(err, jetstream.ErrBucketExists) {
		store, err = js.ObjectStore(ctx, bucketName)
		if err != nil {
			return nil, fmt.Errorf(errFmtBindBucket, bucketName, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf(errFmtCreateBucket, bucketName, err)
	}

	return &NatsObjectStore{bucket: bucketName, store: store}, nil
}

// Download retrieves an object. A missing key wraps ErrNotFound.
func (n *NatsObjectStore) Download(ctx context.Context, key string) ([]byte, error) {
	data, err := n.store.GetBytes(ctx, key)
	if errors.Is(err, jetstream.ErrObjectNotFound) {
		return nil, fmt.Errorf(errFmtGet, key, n.bucket, errors.Join(ErrNotFound, err))
	}

	if err != nil {
		return nil, fmt.Errorf(errFmtGet, key, n.bucket, err)
	}

	return data, nil
}

// Upload saves an object, replacing any previous object under key.
func (n *NatsObjectStore) Upload(ctx context.Context, key string, data []byte) error {
	_, err := n.store.PutBytes(ctx, key, data)
	if err != nil {
		return fmt.Errorf(errFmtPut, key, n.bucket, err)
	}

	return nil
}

// VoiceKey is the object key of a named reference voice clip.
func VoiceKey(name string) string {
	return path.Join(voicePrefix, name)
}

// NewAudioKey returns a fresh key for a rendered WAV track.
func NewAudioKey() string {
	return uuid.NewString() + audioExtension
}
