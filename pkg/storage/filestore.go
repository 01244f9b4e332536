package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/farelvpn/autoscript/pkg/models"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// FileStore implements AccountStore on top of the flat-file layout consumed
// by the rest of the tooling on the host:
//
//	<databaseDir>/<protocol>/<username>.txt   identity record (YAML key/value)
//	<limitDir>/<protocol>/<username>          quota limit, decimal bytes
//	<usageDir>/<protocol>/<username>          accumulated usage, decimal bytes
type FileStore struct {
	databaseDir string
	limitDir    string
	usageDir    string
	logger      *zap.Logger
}

// NewFileStore creates a FileStore and ensures the per-protocol directories
// exist.
func NewFileStore(databaseDir, limitDir, usageDir string, logger *zap.Logger) (*FileStore, error) {
	s := &FileStore{
		databaseDir: databaseDir,
		limitDir:    limitDir,
		usageDir:    usageDir,
		logger:      logger,
	}

	for _, proto := range models.Protocols() {
		for _, dir := range []string{
			filepath.Join(databaseDir, proto.String()),
			filepath.Join(limitDir, proto.String()),
			filepath.Join(usageDir, proto.String()),
		} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
			}
		}
	}

	logger.Info("Account file store initialized",
		zap.String("database_dir", databaseDir),
		zap.String("limit_dir", limitDir),
		zap.String("usage_dir", usageDir))

	return s, nil
}

func (s *FileStore) recordPath(proto models.Protocol, username string) string {
	return filepath.Join(s.databaseDir, proto.String(), username+".txt")
}

func (s *FileStore) limitPath(proto models.Protocol, username string) string {
	return filepath.Join(s.limitDir, proto.String(), username)
}

func (s *FileStore) usagePath(proto models.Protocol, username string) string {
	return filepath.Join(s.usageDir, proto.String(), username)
}

// Create implements AccountStore.Create
func (s *FileStore) Create(proto models.Protocol, rec *models.AccountRecord) error {
	if !models.ValidUsername(rec.Username) {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, rec.Username)
	}
	if rec.QuotaGB < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidQuota, rec.QuotaGB)
	}

	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	// O_EXCL makes the record file itself the existence check, so two
	// concurrent creates for the same username cannot both succeed.
	path := s.recordPath(proto, rec.Username)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s/%s", ErrAlreadyExists, proto, rec.Username)
		}
		return fmt.Errorf("failed to create record file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write record file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write record file: %w", err)
	}

	// Unlimited accounts get no limit file at all; the enforcement loop
	// skips accounts without one.
	if rec.QuotaGB > 0 {
		limit := rec.QuotaGB * models.BytesPerGB
		if err := writeCounter(s.limitPath(proto, rec.Username), limit); err != nil {
			return fmt.Errorf("failed to write limit file: %w", err)
		}
	}

	s.logger.Info("Account record created",
		zap.String("protocol", proto.String()),
		zap.String("username", rec.Username),
		zap.Int64("quota_gb", rec.QuotaGB))

	return nil
}

// Get implements AccountStore.Get
func (s *FileStore) Get(proto models.Protocol, username string) (*models.AccountRecord, error) {
	data, err := os.ReadFile(s.recordPath(proto, username))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, proto, username)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record file: %w", err)
	}

	var rec models.AccountRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record %s/%s: %w", proto, username, err)
	}
	return &rec, nil
}

// Delete implements AccountStore.Delete. Missing files are ignored so the
// operation can be retried safely.
func (s *FileStore) Delete(proto models.Protocol, username string) error {
	paths := []string{
		s.recordPath(proto, username),
		s.limitPath(proto, username),
		s.usagePath(proto, username),
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}
	return nil
}

// IncreaseQuota implements AccountStore.IncreaseQuota
func (s *FileStore) IncreaseQuota(proto models.Protocol, username string, addGB int64) (int64, error) {
	if addGB <= 0 {
		return 0, fmt.Errorf("%w: additional quota must be positive", ErrInvalidQuota)
	}
	if _, err := s.Get(proto, username); err != nil {
		return 0, err
	}

	current, _, err := s.LimitBytes(proto, username)
	if err != nil {
		return 0, err
	}

	newLimit := current + addGB*models.BytesPerGB
	if err := writeCounter(s.limitPath(proto, username), newLimit); err != nil {
		return 0, fmt.Errorf("failed to write limit file: %w", err)
	}

	s.logger.Info("Account quota increased",
		zap.String("protocol", proto.String()),
		zap.String("username", username),
		zap.Int64("added_gb", addGB),
		zap.Int64("new_limit_bytes", newLimit))

	return newLimit, nil
}

// LimitBytes implements AccountStore.LimitBytes
func (s *FileStore) LimitBytes(proto models.Protocol, username string) (int64, bool, error) {
	return readCounter(s.limitPath(proto, username))
}

// UsageBytes implements AccountStore.UsageBytes
func (s *FileStore) UsageBytes(proto models.Protocol, username string) (int64, bool, error) {
	return readCounter(s.usagePath(proto, username))
}

// AddUsage implements AccountStore.AddUsage
func (s *FileStore) AddUsage(proto models.Protocol, username string, delta int64) (int64, error) {
	current, _, err := s.UsageBytes(proto, username)
	if err != nil {
		return 0, err
	}
	total := current + delta
	if err := writeCounter(s.usagePath(proto, username), total); err != nil {
		return 0, fmt.Errorf("failed to write usage file: %w", err)
	}
	return total, nil
}

// readCounter reads a decimal byte counter. A missing file reports
// ok=false; an empty or blank file counts as 0 so a partially written
// counter never poisons the account.
func readCounter(path string) (int64, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read counter %s: %w", path, err)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, true, nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("malformed counter %s: %w", path, err)
	}
	return n, true, nil
}

func writeCounter(path string, value int64) error {
	return os.WriteFile(path, []byte(strconv.FormatInt(value, 10)), 0o644)
}
