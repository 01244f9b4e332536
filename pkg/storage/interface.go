package storage

import (
	"github.com/farelvpn/autoscript/pkg/models"
)

// AccountStore is the interface for persisting account records and their
// quota state. The canonical implementation is the flat-file FileStore; the
// interface exists so the service and enforcement layers can be tested
// against fakes.
type AccountStore interface {
	// Create persists a new account record. A limit file is written only
	// when the record carries a nonzero quota; quota 0 means the account is
	// permanently unlimited.
	Create(protocol models.Protocol, rec *models.AccountRecord) error

	// Get retrieves an account record by username.
	Get(protocol models.Protocol, username string) (*models.AccountRecord, error)

	// Delete removes the record, limit and usage files for an account.
	// Deleting an absent account is not an error.
	Delete(protocol models.Protocol, username string) error

	// IncreaseQuota adds addGB gigabytes to the account's limit and returns
	// the new limit in bytes. A missing or empty limit file counts as 0.
	IncreaseQuota(protocol models.Protocol, username string, addGB int64) (int64, error)

	// LimitBytes returns the account's limit and whether a limit file exists.
	LimitBytes(protocol models.Protocol, username string) (int64, bool, error)

	// UsageBytes returns the accumulated usage and whether a usage file exists.
	UsageBytes(protocol models.Protocol, username string) (int64, bool, error)

	// AddUsage folds a sampled delta into the usage file and returns the new
	// total. The usage file is created on the first nonzero delta.
	AddUsage(protocol models.Protocol, username string, delta int64) (int64, error)
}

// AuditLogger is the interface for recording account lifecycle events
type AuditLogger interface {
	// LogEvent records an audit event
	LogEvent(event *AuditEvent) error

	// RecentEvents retrieves the most recent audit events
	RecentEvents(limit int) ([]*AuditEvent, error)

	// Close closes the underlying store
	Close() error
}

// AuditEvent represents one account lifecycle change
type AuditEvent struct {
	ID        string `db:"id" json:"id"`
	Timestamp string `db:"timestamp" json:"timestamp"`
	Operation string `db:"operation" json:"operation"`
	Protocol  string `db:"protocol" json:"protocol"`
	Username  string `db:"username" json:"username"`
	Status    string `db:"status" json:"status"`
	Detail    string `db:"detail" json:"detail,omitempty"`
}

// Audit operations
const (
	AuditCreate        = "CREATE"
	AuditDelete        = "DELETE"
	AuditIncreaseQuota = "INCREASE_QUOTA"
	AuditEvict         = "EVICT"
)

// Audit outcomes
const (
	AuditStatusSuccess = "success"
	AuditStatusFailure = "failure"
)
