// Package storage persists append-only log objects to a local directory or a Cloud Storage bucket.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"github.com/oklog/ulid/v2"
	"google.golang.org/api/iterator"
)

// ErrNotFound is returned when a named object has no data.
var ErrNotFound = errors.New("storage: object doesn't exist")

// Store appends to and reads named objects.
//
// In local mode each name is a file that grows with every Append. Cloud Storage
// objects are immutable, so in bucket mode each Append writes a new chunk object
// "<name>/<ulid>.jsonl" and Read concatenates the chunks in ULID order.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
}

// New creates a new storage handler. Set localPath for local mode, or client and bucket for Cloud Storage.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// Mode reports "local" or "gcs".
func (s *Store) Mode() string {
	if s.localPath != "" {
		return "local"
	}
	return "gcs"
}

// validName rejects names that could escape the storage root.
func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..")
}

// Append adds data to the end of the named object.
func (s *Store) Append(ctx context.Context, name string, data []byte) error {
	if !validName(name) {
		return fmt.Errorf("invalid object name %q", name)
	}

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, name)
		f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open local storage file: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			if closeErr := f.Close(); closeErr != nil {
				s.logger.Warn("Failed to close file after error", "error", closeErr)
			}
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close local storage file: %w", err)
		}
		s.logger.Debug("Appended to local storage", "path", filePath, "bytes", len(data))
		return nil
	}

	// Cloud Storage with retry logic for reliability
	key := name + "/" + ulid.Make().String() + ".jsonl"
	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
			w.ContentType = "application/x-ndjson"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying append operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("append after retries: %w", err)
	}

	s.logger.Debug("Appended chunk to storage", "key", key, "bytes", len(data))
	return nil
}

// Read returns the full contents of the named object.
func (s *Store) Read(ctx context.Context, name string) ([]byte, error) {
	if !validName(name) {
		return nil, fmt.Errorf("invalid object name %q", name)
	}

	// Local filesystem storage
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, name))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	keys, err := s.chunks(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNotFound
	}

	var buf bytes.Buffer
	for _, key := range keys {
		data, err := s.readObject(ctx, key)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

func (s *Store) readObject(ctx context.Context, key string) ([]byte, error) {
	var readData []byte
	missing := false
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
			if openErr != nil {
				// Don't retry on "not found" errors
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(fmt.Errorf("open storage reader: %w", openErr))
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			readData, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying load operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if missing {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return readData, nil
}

func (s *Store) chunks(ctx context.Context, name string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: name + "/"})

	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		keys = append(keys, attrs.Name)
	}
	sort.Strings(keys)
	return keys, nil
}

// List returns the names of objects starting with prefix, sorted.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string

	// Local filesystem storage
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
				continue
			}
			names = append(names, entry.Name())
		}
		sort.Strings(names)
		return names, nil
	}

	// Cloud Storage: a logical object is the first path segment of its chunks.
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	seen := make(map[string]bool)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		name, _, _ := strings.Cut(attrs.Name, "/")
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the named object. Deleting a missing object is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	if !validName(name) {
		return fmt.Errorf("invalid object name %q", name)
	}

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, name)
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		s.logger.Info("Object deleted from local storage", "path", filePath)
		return nil
	}

	keys, err := s.chunks(ctx, name)
	if err != nil {
		return err
	}
	for _, key := range keys {
		err := retry.Do(
			func() error {
				if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
					// Don't retry on "not found" errors - deletion is idempotent
					if errors.Is(deleteErr, storage.ErrObjectNotExist) {
						return nil
					}
					return fmt.Errorf("delete from storage: %w", deleteErr)
				}
				return nil
			},
			retry.Attempts(3),
			retry.Delay(time.Second),
			retry.MaxDelay(2*time.Minute),
			retry.MaxJitter(10*time.Second),
			retry.Context(ctx),
			retry.OnRetry(func(n uint, retryErr error) {
				s.logger.Info("Retrying delete operation after error", "attempt", n, "key", key, "error", retryErr)
			}),
		)
		if err != nil {
			return fmt.Errorf("delete after retries: %w", err)
		}
	}

	s.logger.Info("Object deleted", "name", name, "chunks", len(keys))
	return nil
}

// IsNotFound checks if an error indicates an object was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
