// Package objectstore keeps synthesized audio in a JetStream object store
// bucket so bus clients can fetch it by key.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Store is a JetStream object store bucket.
type Store struct {
	bucket string
	store  nats.ObjectStore
}

// New creates bucket, or binds to it when it already exists.
func New(js nats.JetStreamContext, bucket string) (*Store, error) {
	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: fmt.Sprintf("voicegen audio artifacts (%s)", bucket),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("create object store bucket %q: %w", bucket, err)
		}

		store, err = js.ObjectStore(bucket)
		if err != nil {
			return nil, fmt.Errorf("bind object store bucket %q: %w", bucket, err)
		}
	}

	return &Store{bucket: bucket, store: store}, nil
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string { return s.bucket }

// Upload stores data under key, replacing any previous object.
func (s *Store) Upload(ctx context.Context, key string, data []byte) error {
	return s.put(ctx, key, bytes.NewReader(data))
}

// UploadFile streams the file at path into the bucket under key.
func (s *Store) UploadFile(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	return s.put(ctx, key, f)
}

func (s *Store) put(ctx context.Context, key string, r io.Reader) error {
	if _, err := s.store.Put(&nats.ObjectMeta{Name: key}, r, nats.Context(ctx)); err != nil {
		return fmt.Errorf("put object %q to bucket %q: %w", key, s.bucket, err)
	}
	return nil
}

// Download returns the object stored under key.
func (s *Store) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.store.Get(key, nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("get object %q from bucket %q: %w", key, s.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("read object %q: %w", key, readErr)
	}
	if closeErr != nil {
		return data, fmt.Errorf("close object %q: %w", key, closeErr)
	}

	return data, nil
}

// Delete removes key from the bucket.
func (s *Store) Delete(key string) error {
	if err := s.store.Delete(key); err != nil {
		return fmt.Errorf("delete object %q from bucket %q: %w", key, s.bucket, err)
	}
	return nil
}
