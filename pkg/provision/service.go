// Package provision implements the account lifecycle: creation,
// removal, quota top-ups and quota evictions across the three proxy
// protocols.
package provision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/farelvpn/autoscript/pkg/models"
	"github.com/farelvpn/autoscript/pkg/notify"
	"github.com/farelvpn/autoscript/pkg/storage"
	"github.com/farelvpn/autoscript/pkg/system"
	"github.com/farelvpn/autoscript/pkg/xrayconf"
)

// ShareLinks are the client import URIs for one account.
type ShareLinks struct {
	TLS    string `json:"tls"`
	NonTLS string `json:"non_tls"`
}

// CreateResult is returned after a successful provisioning.
type CreateResult struct {
	Record models.AccountRecord `json:"record"`
	Links  ShareLinks           `json:"links"`
}

// Service coordinates the stores, the proxy config document and the
// service manager for every account mutation.
type Service struct {
	store    storage.AccountStore
	document *xrayconf.DocumentStore
	reloader system.Reloader
	notifier *notify.Dispatcher
	audit    storage.AuditLogger
	domain   string
	logger   *zap.Logger
}

// NewService wires the account lifecycle. The audit logger may be nil
// when the audit trail is disabled.
func NewService(store storage.AccountStore, document *xrayconf.DocumentStore, reloader system.Reloader,
	notifier *notify.Dispatcher, audit storage.AuditLogger, domain string, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		document: document,
		reloader: reloader,
		notifier: notifier,
		audit:    audit,
		domain:   domain,
		logger:   logger,
	}
}

// Create provisions a new account: record and quota files first, then
// the config document, then a service reload so the account is live
// before the call returns.
func (s *Service) Create(ctx context.Context, proto models.Protocol, username string, quotaGB int64) (*CreateResult, error) {
	if !models.ValidUsername(username) {
		return nil, storage.ErrInvalidUsername
	}
	present, err := s.document.Contains(username)
	if err != nil {
		return nil, fmt.Errorf("failed to check config document: %w", err)
	}
	if present {
		s.logAudit(storage.AuditCreate, proto, username, storage.ErrAlreadyExists)
		return nil, storage.ErrAlreadyExists
	}

	rec := &models.AccountRecord{
		Username: username,
		Secret:   uuid.NewString(),
		QuotaGB:  quotaGB,
	}
	if err := s.store.Create(proto, rec); err != nil {
		s.logAudit(storage.AuditCreate, proto, username, err)
		return nil, err
	}
	if err := s.document.InsertAccount(proto, username, rec.Secret); err != nil {
		// Creation is all-or-nothing: undo the files so a retry starts clean
		if delErr := s.store.Delete(proto, username); delErr != nil {
			s.logger.Error("Failed to roll back account files",
				zap.String("protocol", proto.String()),
				zap.String("username", username),
				zap.Error(delErr))
		}
		s.logAudit(storage.AuditCreate, proto, username, err)
		return nil, err
	}
	if err := s.reloader.Reload(ctx); err != nil {
		s.logAudit(storage.AuditCreate, proto, username, err)
		return nil, fmt.Errorf("account created but service reload failed: %w", err)
	}

	s.logAudit(storage.AuditCreate, proto, username, nil)
	links := s.shareLinks(proto, rec)
	s.notifier.Dispatch(notify.AccountCreated(proto, username, quotaGB, links.TLS))
	s.logger.Info("Account created",
		zap.String("protocol", proto.String()),
		zap.String("username", username),
		zap.Int64("quota_gb", quotaGB))
	return &CreateResult{Record: *rec, Links: links}, nil
}

// Delete removes an account from the files and the config document,
// then reloads the service.
func (s *Service) Delete(ctx context.Context, proto models.Protocol, username string) error {
	if _, err := s.store.Get(proto, username); err != nil {
		s.logAudit(storage.AuditDelete, proto, username, err)
		return err
	}
	if err := s.store.Delete(proto, username); err != nil {
		s.logAudit(storage.AuditDelete, proto, username, err)
		return err
	}
	if _, err := s.document.RemoveAccount(username); err != nil {
		s.logAudit(storage.AuditDelete, proto, username, err)
		return err
	}
	if err := s.reloader.Reload(ctx); err != nil {
		s.logAudit(storage.AuditDelete, proto, username, err)
		return fmt.Errorf("account removed but service reload failed: %w", err)
	}

	s.logAudit(storage.AuditDelete, proto, username, nil)
	s.notifier.Dispatch(notify.AccountDeleted(proto, username))
	s.logger.Info("Account deleted",
		zap.String("protocol", proto.String()),
		zap.String("username", username))
	return nil
}

// IncreaseQuota raises the byte limit of an existing account. The
// config document is untouched, so no reload is needed.
func (s *Service) IncreaseQuota(ctx context.Context, proto models.Protocol, username string, addGB int64) (int64, error) {
	if addGB <= 0 {
		return 0, storage.ErrInvalidQuota
	}
	newLimit, err := s.store.IncreaseQuota(proto, username, addGB)
	s.logAudit(storage.AuditIncreaseQuota, proto, username, err)
	if err != nil {
		return 0, err
	}
	s.notifier.Dispatch(notify.QuotaIncreased(proto, username, addGB, newLimit))
	s.logger.Info("Quota increased",
		zap.String("protocol", proto.String()),
		zap.String("username", username),
		zap.Int64("added_gb", addGB),
		zap.Int64("limit_bytes", newLimit))
	return newLimit, nil
}

// Info returns the stored record plus the live quota state.
func (s *Service) Info(proto models.Protocol, username string) (*models.AccountInfo, error) {
	rec, err := s.store.Get(proto, username)
	if err != nil {
		return nil, err
	}
	limit, hasLimit, err := s.store.LimitBytes(proto, username)
	if err != nil {
		return nil, err
	}
	usage, _, err := s.store.UsageBytes(proto, username)
	if err != nil {
		return nil, err
	}
	return &models.AccountInfo{
		Protocol: proto,
		Record:   *rec,
		Quota: models.QuotaState{
			LimitBytes: limit,
			UsageBytes: usage,
			HasLimit:   hasLimit,
		},
		QuotaDisplay: models.QuotaDisplay(rec.QuotaGB),
		UsageDisplay: models.FormatBytes(usage),
	}, nil
}

// Evict removes an account that exceeded its quota. Files go first so
// a crash between the two steps leaves the user without accounting
// rather than with accounting and no access. The caller batches the
// service reload across the whole enforcement pass.
func (s *Service) Evict(ctx context.Context, proto models.Protocol, username string, usageBytes, limitBytes int64) error {
	if err := s.store.Delete(proto, username); err != nil {
		s.logAudit(storage.AuditEvict, proto, username, err)
		return err
	}
	if _, err := s.document.RemoveAccount(username); err != nil {
		s.logAudit(storage.AuditEvict, proto, username, err)
		return err
	}
	s.logAudit(storage.AuditEvict, proto, username, nil)
	s.notifier.Dispatch(notify.QuotaExceeded(proto, username, usageBytes, limitBytes))
	s.logger.Info("Account evicted",
		zap.String("protocol", proto.String()),
		zap.String("username", username),
		zap.Int64("usage_bytes", usageBytes),
		zap.Int64("limit_bytes", limitBytes))
	return nil
}

func (s *Service) logAudit(op string, proto models.Protocol, username string, opErr error) {
	if s.audit == nil {
		return
	}
	event := &storage.AuditEvent{
		Operation: op,
		Protocol:  proto.String(),
		Username:  username,
		Status:    storage.AuditStatusSuccess,
	}
	if opErr != nil {
		event.Status = storage.AuditStatusFailure
		event.Detail = opErr.Error()
	}
	if err := s.audit.LogEvent(event); err != nil {
		s.logger.Warn("Failed to write audit event", zap.Error(err))
	}
}

// shareLinks builds the import URIs clients use. TLS endpoints ride
// 443 over websocket, the plain variant rides 80.
func (s *Service) shareLinks(proto models.Protocol, rec *models.AccountRecord) ShareLinks {
	path := "/" + proto.String()
	switch proto {
	case models.ProtocolVmess:
		return ShareLinks{
			TLS:    vmessLink(rec.Username, rec.Secret, s.domain, 443, path, "tls"),
			NonTLS: vmessLink(rec.Username, rec.Secret, s.domain, 80, path, "none"),
		}
	case models.ProtocolVless:
		return ShareLinks{
			TLS: fmt.Sprintf("vless://%s@%s:443?path=%s&security=tls&encryption=none&type=ws#%s",
				rec.Secret, s.domain, path, rec.Username),
			NonTLS: fmt.Sprintf("vless://%s@%s:80?path=%s&security=none&encryption=none&type=ws#%s",
				rec.Secret, s.domain, path, rec.Username),
		}
	case models.ProtocolTrojan:
		return ShareLinks{
			TLS: fmt.Sprintf("trojan://%s@%s:443?path=%s&security=tls&type=ws#%s",
				rec.Secret, s.domain, path, rec.Username),
			NonTLS: fmt.Sprintf("trojan://%s@%s:80?path=%s&security=none&type=ws#%s",
				rec.Secret, s.domain, path, rec.Username),
		}
	}
	return ShareLinks{}
}

func vmessLink(name, id, domain string, port int, path, tls string) string {
	payload := map[string]string{
		"v":    "2",
		"ps":   name,
		"add":  domain,
		"port": fmt.Sprintf("%d", port),
		"id":   id,
		"aid":  "0",
		"net":  "ws",
		"path": path,
		"type": "none",
		"host": domain,
		"tls":  tls,
	}
	raw, _ := json.Marshal(payload)
	return "vmess://" + base64.StdEncoding.EncodeToString(raw)
}
