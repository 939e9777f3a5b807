// Package storage persists the mapping between local healthcheck records and
// the remote monitoring objects that back them.
package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"

	"github.com/tsuru/healthcheck-as-a-service/pkg/hcaas"
)

// Object key prefixes, one per record type.
const (
	healthCheckPrefix = "hc-"
	itemPrefix        = "item-"
	userPrefix        = "user-"
)

var errObjectNotExist = errors.New("storage: object doesn't exist")

// Store persists healthcheck, item and watcher records as JSON documents in a
// Cloud Storage bucket, or in a local directory for development.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	salt      []byte
}

// New creates a new storage handler. When localPath is non-empty the bucket
// client is never used.
func New(client *storage.Client, bucket string, localPath string, salt []byte, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		salt:      salt,
		localPath: localPath,
		bucket:    bucket,
	}
}

// token derives a deterministic object name component from a natural key
// (healthcheck name, url or email). HMAC-SHA256 keeps keys filesystem-safe
// regardless of what characters the natural key contains.
func (s *Store) token(key string) string {
	h := hmac.New(sha256.New, s.salt)
	h.Write([]byte(strings.ToLower(strings.TrimSpace(key))))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *Store) objectKey(prefix, naturalKey string) string {
	return prefix + s.token(naturalKey) + ".json"
}

// SaveHealthCheck writes an instance record keyed by its name.
func (s *Store) SaveHealthCheck(ctx context.Context, hc *hcaas.HealthCheck) error {
	return s.save(ctx, s.objectKey(healthCheckPrefix, hc.Name), hc)
}

// HealthCheckByName loads an instance record, or hcaas.ErrHealthCheckNotFound.
func (s *Store) HealthCheckByName(ctx context.Context, name string) (*hcaas.HealthCheck, error) {
	var hc hcaas.HealthCheck
	if err := s.load(ctx, s.objectKey(healthCheckPrefix, name), &hc); err != nil {
		if errors.Is(err, errObjectNotExist) {
			return nil, hcaas.ErrHealthCheckNotFound
		}
		return nil, err
	}
	return &hc, nil
}

// DeleteHealthCheck removes an instance record. Deleting a missing record is
// not an error.
func (s *Store) DeleteHealthCheck(ctx context.Context, name string) error {
	return s.remove(ctx, s.objectKey(healthCheckPrefix, name))
}

// SaveItem writes a URL check record keyed by its url.
func (s *Store) SaveItem(ctx context.Context, item *hcaas.Item) error {
	return s.save(ctx, s.objectKey(itemPrefix, item.URL), item)
}

// ItemByURL loads a URL check record, or hcaas.ErrItemNotFound.
func (s *Store) ItemByURL(ctx context.Context, url string) (*hcaas.Item, error) {
	var item hcaas.Item
	if err := s.load(ctx, s.objectKey(itemPrefix, url), &item); err != nil {
		if errors.Is(err, errObjectNotExist) {
			return nil, hcaas.ErrItemNotFound
		}
		return nil, err
	}
	return &item, nil
}

// DeleteItem removes a URL check record.
func (s *Store) DeleteItem(ctx context.Context, url string) error {
	return s.remove(ctx, s.objectKey(itemPrefix, url))
}

// ItemsByGroup returns every item owned by the given notification group.
func (s *Store) ItemsByGroup(ctx context.Context, groupID string) ([]*hcaas.Item, error) {
	keys, err := s.listKeys(ctx, itemPrefix)
	if err != nil {
		return nil, err
	}
	var items []*hcaas.Item
	for _, key := range keys {
		var item hcaas.Item
		if err := s.load(ctx, key, &item); err != nil {
			s.logger.Warn("Failed to load item record", "key", key, "error", err)
			continue
		}
		if item.GroupID == groupID {
			items = append(items, &item)
		}
	}
	return items, nil
}

// SaveUser writes a watcher record keyed by its email.
func (s *Store) SaveUser(ctx context.Context, user *hcaas.User) error {
	return s.save(ctx, s.objectKey(userPrefix, user.Email), user)
}

// UserByEmail loads a watcher record, or hcaas.ErrUserNotFound.
func (s *Store) UserByEmail(ctx context.Context, email string) (*hcaas.User, error) {
	var user hcaas.User
	if err := s.load(ctx, s.objectKey(userPrefix, email), &user); err != nil {
		if errors.Is(err, errObjectNotExist) {
			return nil, hcaas.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// DeleteUser removes a watcher record.
func (s *Store) DeleteUser(ctx context.Context, email string) error {
	return s.remove(ctx, s.objectKey(userPrefix, email))
}

// UsersByGroup returns every watcher belonging to the given notification
// group, in stable key order.
func (s *Store) UsersByGroup(ctx context.Context, groupID string) ([]*hcaas.User, error) {
	keys, err := s.listKeys(ctx, userPrefix)
	if err != nil {
		return nil, err
	}
	var users []*hcaas.User
	for _, key := range keys {
		var user hcaas.User
		if err := s.load(ctx, key, &user); err != nil {
			s.logger.Warn("Failed to load watcher record", "key", key, "error", err)
			continue
		}
		if user.InGroup(groupID) {
			users = append(users, &user)
		}
	}
	return users, nil
}

func (s *Store) save(ctx context.Context, key string, record any) error {
	s.logger.Debug("Saving record", "key", key)

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.WriteFile(filePath, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err = retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(key).NewWriter(ctx)
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
			s.logger.Info("Retrying save operation after error", "attempt", n, "key", key, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

func (s *Store) load(ctx context.Context, key string, record any) error {
	var data []byte

	// Local filesystem storage
	if s.localPath != "" {
		var err error
		filePath := filepath.Join(s.localPath, key)
		data, err = os.ReadFile(filePath)
		if err != nil {
			if os.IsNotExist(err) {
				return errObjectNotExist
			}
			return fmt.Errorf("read from local storage: %w", err)
		}
	} else {
		// Cloud Storage with retry logic for reliability
		var readData []byte
		err := retry.Do(
			func() error {
				r, openErr := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
				if openErr != nil {
					// Don't retry on "not found" errors
					if errors.Is(openErr, storage.ErrObjectNotExist) {
						return retry.Unrecoverable(errObjectNotExist)
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
		if err != nil {
			if errors.Is(err, errObjectNotExist) {
				return errObjectNotExist
			}
			return fmt.Errorf("load after retries: %w", err)
		}
		data = readData
	}

	if err := json.Unmarshal(data, record); err != nil {
		return fmt.Errorf("unmarshal record: %w", err)
	}
	return nil
}

func (s *Store) remove(ctx context.Context, key string) error {
	s.logger.Debug("Deleting record", "key", key)

	// Local filesystem storage
	if s.localPath != "" {
		filePath := filepath.Join(s.localPath, key)
		if err := os.Remove(filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	// Cloud Storage with retry logic for reliability
	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(key).Delete(ctx); deleteErr != nil {
				// Deletion is idempotent; don't retry on "not found"
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(errObjectNotExist)
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
	if err != nil && !errors.Is(err, errObjectNotExist) {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// listKeys returns the object keys under the given prefix, sorted.
func (s *Store) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	// Local filesystem storage: ReadDir returns entries sorted by name.
	if s.localPath != "" {
		entries, err := os.ReadDir(s.localPath)
		if err != nil {
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			keys = append(keys, entry.Name())
		}
		return keys, nil
	}

	// Cloud Storage lists objects in lexicographic order.
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix: prefix,
	})
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
	return keys, nil
}
