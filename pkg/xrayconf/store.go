package xrayconf

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/farelvpn/autoscript/pkg/models"
	"go.uber.org/zap"
)

// DocumentStore owns all mutations of the shared configuration document.
// Provisioning calls and the enforcement loop both funnel through one
// instance, and the mutex is held across the full read-transform-write so
// concurrent mutations can never interleave on the file.
type DocumentStore struct {
	path   string
	mu     sync.Mutex
	logger *zap.Logger
}

// NewDocumentStore creates a store for the document at path.
func NewDocumentStore(path string, logger *zap.Logger) *DocumentStore {
	return &DocumentStore{path: path, logger: logger}
}

// InsertAccount adds the two-line entry for an account under the protocol's
// insertion marker.
func (s *DocumentStore) InsertAccount(proto models.Protocol, username, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if err := doc.Insert(proto, username, secret); err != nil {
		return err
	}
	if err := s.write(doc); err != nil {
		return err
	}

	s.logger.Info("Account added to config document",
		zap.String("protocol", proto.String()),
		zap.String("username", username))
	return nil
}

// RemoveAccount removes every entry owned by the username. Removing an
// account that is not present succeeds without touching the file.
func (s *DocumentStore) RemoveAccount(username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return false, err
	}
	if !doc.Remove(username) {
		return false, nil
	}
	if err := s.write(doc); err != nil {
		return false, err
	}

	s.logger.Info("Account removed from config document",
		zap.String("username", username))
	return true, nil
}

// ActiveUsers returns the deduplicated set of usernames the document
// currently carries.
func (s *DocumentStore) ActiveUsers() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.Usernames(), nil
}

// Contains reports whether the document holds an entry for the username.
func (s *DocumentStore) Contains(username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return false, err
	}
	return doc.Contains(username), nil
}

func (s *DocumentStore) load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config document %s: %w", s.path, err)
	}
	return Parse(data), nil
}

// write replaces the document atomically: the new contents land in a temp
// file in the same directory and are renamed over the original, so the
// proxy can never observe a partially written document.
func (s *DocumentStore) write(doc *Document) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp document: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(doc.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp document: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp document: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace config document: %w", err)
	}
	return nil
}
