package models

import (
	"fmt"
	"regexp"
)

// BytesPerGB is the number of bytes in one quota gigabyte (2^30).
const BytesPerGB int64 = 1 << 30

// Protocol identifies one of the supported Xray inbound protocols.
// Each protocol owns its own record/limit/usage namespace on disk and its
// own insertion marker in the Xray configuration document.
type Protocol string

const (
	ProtocolVmess  Protocol = "vmess"
	ProtocolVless  Protocol = "vless"
	ProtocolTrojan Protocol = "trojan"
)

// Protocols returns all supported protocols in a stable order.
func Protocols() []Protocol {
	return []Protocol{ProtocolVmess, ProtocolVless, ProtocolTrojan}
}

// ParseProtocol converts a string into a Protocol, rejecting unknown values.
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(s) {
	case ProtocolVmess, ProtocolVless, ProtocolTrojan:
		return Protocol(s), nil
	default:
		return "", fmt.Errorf("unknown protocol %q", s)
	}
}

func (p Protocol) String() string {
	return string(p)
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidUsername reports whether the username is acceptable for provisioning.
// Usernames become filenames and config-document tokens, so the character
// set is deliberately narrow.
func ValidUsername(username string) bool {
	return usernamePattern.MatchString(username)
}

// AccountRecord is the identity of one provisioned user. The on-disk
// representation is a small YAML document (username/uuid/quota), the same
// key-value layout the record files have always used.
type AccountRecord struct {
	Username string `yaml:"username" json:"username"`
	Secret   string `yaml:"uuid" json:"uuid"`
	QuotaGB  int64  `yaml:"quota" json:"quota"`
}

// QuotaState is the mutable accounting for one account. LimitBytes of 0
// means unlimited; HasLimit distinguishes "no limit file" from a zero limit.
type QuotaState struct {
	LimitBytes int64 `json:"limit_bytes"`
	UsageBytes int64 `json:"usage_bytes"`
	HasLimit   bool  `json:"has_limit"`
}

// AccountInfo is the read model returned by the info operation: the stored
// identity plus the current quota state.
type AccountInfo struct {
	Protocol     Protocol      `json:"protocol"`
	Record       AccountRecord `json:"record"`
	Quota        QuotaState    `json:"quota"`
	QuotaDisplay string        `json:"quota_display"`
	UsageDisplay string        `json:"usage_display"`
}

// FormatBytes renders a byte count in a human-readable unit.
func FormatBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit && exp < 3; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(n)/float64(div), "KMGT"[exp])
}

// QuotaDisplay renders a quota the way operators expect it: "Unlimited"
// for zero, whole gigabytes otherwise.
func QuotaDisplay(quotaGB int64) string {
	if quotaGB == 0 {
		return "Unlimited"
	}
	return fmt.Sprintf("%d GB", quotaGB)
}
