package xrayconf

import (
	"fmt"

	"github.com/farelvpn/autoscript/pkg/models"
)

// Insertion marker lines, one per protocol. These live inside the clients
// array of the matching inbound and anchor where new entries are spliced in.
const (
	markerVmess  = "// #vmess$"
	markerVless  = "// #vless$"
	markerTrojan = "#trojan$"
)

// InsertionMarker returns the marker token for a protocol.
func InsertionMarker(p models.Protocol) string {
	switch p {
	case models.ProtocolVmess:
		return markerVmess
	case models.ProtocolVless:
		return markerVless
	case models.ProtocolTrojan:
		return markerTrojan
	}
	return ""
}

// insertAfterMarker reports whether new entries for the protocol go after
// the marker line instead of before it. Trojan inbounds keep the marker at
// the head of the client list; the other protocols keep it at the tail.
func insertAfterMarker(p models.Protocol) bool {
	return p == models.ProtocolTrojan
}

// ClientFragment builds the structural fragment line for one account. The
// leading separator makes the fragment a continuation of the clients array;
// the email field carries the username the proxy reports traffic under.
func ClientFragment(p models.Protocol, username, secret string) string {
	switch p {
	case models.ProtocolVmess:
		return fmt.Sprintf(`, {"id": "%s","alterId": 0,"email": "%s"}`, secret, username)
	case models.ProtocolVless:
		return fmt.Sprintf(`, {"id": "%s","email": "%s"}`, secret, username)
	case models.ProtocolTrojan:
		return fmt.Sprintf(`, {"password": "%s","email": "%s"}`, secret, username)
	}
	return ""
}
