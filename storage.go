package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Storage keys shared with the browser front-end.
const (
	KeyAuthToken    = "authToken"
	KeyUserRole     = "userRole"
	KeyUserData     = "userData"
	KeyOfflineLeads = "offline_leads"
	KeyCachedLeads  = "cached_leads"
)

// Store is a string-keyed blob store. Get returns ErrNotFound for absent
// keys; Delete of an absent key is not an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Keys returns the stored keys in sorted order.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ============================================================================
// FileStore
// ============================================================================

// FileStore keeps every key in one JSON document on disk. Writes go to a
// temporary file that is renamed over the original.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a store backed by the file at path. The parent
// directory is created on first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) load() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("read store: %w", err)
	}
	doc := map[string]json.RawMessage{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse store: %w", err)
	}
	return doc, nil
}

func (s *FileStore) save(doc map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".store-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close store: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("chmod store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	v, ok := doc[key]
	if !ok {
		return nil, ErrNotFound
	}
	return []byte(v), nil
}

// Set stores value under key. Values that are not valid JSON are stored as
// JSON strings so the document stays readable.
func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		// A corrupt document is replaced rather than blocking every write.
		doc = map[string]json.RawMessage{}
	}
	if json.Valid(value) {
		doc[key] = json.RawMessage(value)
	} else {
		quoted, _ := json.Marshal(string(value))
		doc[key] = quoted
	}
	return s.save(doc)
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := doc[key]; !ok {
		return nil
	}
	delete(doc, key)
	return s.save(doc)
}

// ============================================================================
// LocalStore
// ============================================================================

// LocalStore adds JSON encoding, an origin namespace and fail-soft error
// handling on top of a Store. Reads of missing or undecodable data report
// absence; failed writes are logged and reported as false.
type LocalStore struct {
	backend   Store
	namespace string
	logger    *slog.Logger
}

// NewLocalStore wraps backend. namespace is prefixed to every key; pass
// OriginNamespace(baseURL) to scope data per API origin.
func NewLocalStore(backend Store, namespace string, logger *slog.Logger) *LocalStore {
	if logger == nil {
		logger = discardLogger()
	}
	return &LocalStore{backend: backend, namespace: namespace, logger: logger}
}

// Backend returns the wrapped Store.
func (s *LocalStore) Backend() Store { return s.backend }

func (s *LocalStore) key(k string) string {
	if s.namespace == "" {
		return k
	}
	return s.namespace + "|" + k
}

// Get decodes the value stored under key into v.
func (s *LocalStore) Get(ctx context.Context, key string, v any) bool {
	data, err := s.backend.Get(ctx, s.key(key))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn("local store read failed", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.logger.Warn("local store value is corrupt, treating as absent", "key", key, "error", err)
		return false
	}
	return true
}

// Set encodes v and stores it under key.
func (s *LocalStore) Set(ctx context.Context, key string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("local store encode failed", "key", key, "error", err)
		return false
	}
	if err := s.backend.Set(ctx, s.key(key), data); err != nil {
		s.logger.Error("local store write failed", "key", key, "error", err)
		return false
	}
	return true
}

// Remove deletes key.
func (s *LocalStore) Remove(ctx context.Context, key string) bool {
	if err := s.backend.Delete(ctx, s.key(key)); err != nil {
		s.logger.Error("local store remove failed", "key", key, "error", err)
		return false
	}
	return true
}

// OriginNamespace returns scheme://host[:port] of rawURL, the scope the
// browser would have used for local storage.
func OriginNamespace(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return strings.TrimRight(rawURL, "/")
	}
	return u.Scheme + "://" + u.Host
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
