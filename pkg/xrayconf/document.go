package xrayconf

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/farelvpn/autoscript/pkg/models"
)

// ownershipPrefix introduces the comment line that ties a structural
// fragment to a username, e.g. "#@ alice".
const ownershipPrefix = "#@ "

type nodeKind int

const (
	nodeText nodeKind = iota
	nodeMarker
	nodeEntry
)

// node is one element of the parsed document. Text and marker nodes carry a
// single verbatim line; an entry node carries the ownership marker line and,
// when the pairing is intact, the structural fragment line that follows it.
type node struct {
	kind        nodeKind
	raw         string
	protocol    models.Protocol // marker nodes
	username    string          // entry nodes
	fragment    string          // entry nodes
	hasFragment bool
}

// Document is the parsed form of the shared Xray configuration. It models
// the file as an ordered list of text, insertion-marker and account-entry
// nodes so mutations operate on structure instead of repeated string
// scanning, and serializes back to the exact remaining lines.
type Document struct {
	nodes []node
	// trailingNewline preserves whether the source ended with a newline
	trailingNewline bool
}

// Parse builds a Document from raw file contents.
func Parse(data []byte) *Document {
	text := string(data)
	trailing := strings.HasSuffix(text, "\n")
	if trailing {
		text = strings.TrimSuffix(text, "\n")
	}

	var lines []string
	if text != "" {
		lines = strings.Split(text, "\n")
	}

	doc := &Document{trailingNewline: trailing}
	for i := 0; i < len(lines); i++ {
		line := lines[i]

		if username, ok := parseOwnershipMarker(line); ok {
			entry := node{kind: nodeEntry, raw: line, username: username}
			// The fragment is the immediately following line, unless the
			// pairing is broken (end of file, another ownership marker, or
			// an insertion marker). A broken pair stays fragmentless so
			// unrelated lines are never swallowed.
			if i+1 < len(lines) && !isStructuralBoundary(lines[i+1]) {
				entry.fragment = lines[i+1]
				entry.hasFragment = true
				i++
			}
			doc.nodes = append(doc.nodes, entry)
			continue
		}

		if proto, ok := parseInsertionMarker(line); ok {
			doc.nodes = append(doc.nodes, node{kind: nodeMarker, raw: line, protocol: proto})
			continue
		}

		doc.nodes = append(doc.nodes, node{kind: nodeText, raw: line})
	}

	return doc
}

func parseOwnershipMarker(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, ownershipPrefix) {
		return "", false
	}
	username := strings.TrimSpace(strings.TrimPrefix(trimmed, ownershipPrefix))
	if username == "" {
		return "", false
	}
	// Only the first token names the owner
	return strings.Fields(username)[0], true
}

func parseInsertionMarker(line string) (models.Protocol, bool) {
	for _, p := range models.Protocols() {
		if strings.Contains(line, InsertionMarker(p)) {
			return p, true
		}
	}
	return "", false
}

func isStructuralBoundary(line string) bool {
	if _, ok := parseOwnershipMarker(line); ok {
		return true
	}
	_, ok := parseInsertionMarker(line)
	return ok
}

// Bytes serializes the document back to file contents.
func (d *Document) Bytes() []byte {
	var b strings.Builder
	for i, n := range d.nodes {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(n.raw)
		if n.kind == nodeEntry && n.hasFragment {
			b.WriteByte('\n')
			b.WriteString(n.fragment)
		}
	}
	if d.trailingNewline {
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// Usernames returns the deduplicated, sorted set of account owners present
// in the document. The document is the source of truth for which accounts
// are active.
func (d *Document) Usernames() []string {
	seen := make(map[string]struct{})
	for _, n := range d.nodes {
		if n.kind == nodeEntry {
			seen[n.username] = struct{}{}
		}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Contains reports whether the document already holds an entry for the
// username, either as an ownership marker or as an email field inside any
// client fragment.
func (d *Document) Contains(username string) bool {
	needle := fmt.Sprintf(`"email": "%s"`, username)
	for _, n := range d.nodes {
		if n.kind == nodeEntry && n.username == username {
			return true
		}
		if strings.Contains(n.raw, needle) {
			return true
		}
		if n.hasFragment && strings.Contains(n.fragment, needle) {
			return true
		}
	}
	return false
}

// Insert adds a two-line account entry for the protocol. Entries go
// immediately before the protocol's insertion marker, or immediately after
// it for protocols whose marker heads the client list.
func (d *Document) Insert(proto models.Protocol, username, secret string) error {
	if d.Contains(username) {
		return fmt.Errorf("%w: %s", ErrDuplicateAccount, username)
	}

	markerIdx := -1
	for i, n := range d.nodes {
		if n.kind == nodeMarker && n.protocol == proto {
			markerIdx = i
			break
		}
	}
	if markerIdx == -1 {
		return fmt.Errorf("%w: %s (%s)", ErrMarkerNotFound, proto, InsertionMarker(proto))
	}

	entry := node{
		kind:        nodeEntry,
		raw:         ownershipPrefix + username,
		username:    username,
		fragment:    ClientFragment(proto, username, secret),
		hasFragment: true,
	}

	at := markerIdx
	if insertAfterMarker(proto) {
		at = markerIdx + 1
	}

	d.nodes = append(d.nodes, node{})
	copy(d.nodes[at+1:], d.nodes[at:])
	d.nodes[at] = entry

	return nil
}

// Remove drops every entry owned by the username (exact match on the owner
// token) and repairs the separators the removal may have left behind. It
// reports whether anything was removed; removing an absent account is not
// an error.
func (d *Document) Remove(username string) bool {
	kept := d.nodes[:0]
	removed := false
	for _, n := range d.nodes {
		if n.kind == nodeEntry && n.username == username {
			removed = true
			continue
		}
		kept = append(kept, n)
	}
	d.nodes = kept

	if removed {
		d.normalizeLeadingSeparators()
		d.repairDanglingSeparators()
	}
	return removed
}

// leadingSeparatorRe matches a separator that opens a fragment line.
var leadingSeparatorRe = regexp.MustCompile(`^(\s*),\s*`)

// normalizeLeadingSeparators strips the leading comma from an entry that
// became the first element of its clients array, i.e. the first entry after
// a line ending in "[" with only markers between them.
func (d *Document) normalizeLeadingSeparators() {
	expectFirst := false
	for i := range d.nodes {
		n := &d.nodes[i]
		switch n.kind {
		case nodeText:
			trimmed := strings.TrimSpace(n.raw)
			if trimmed == "" {
				continue
			}
			expectFirst = strings.HasSuffix(trimmed, "[")
		case nodeMarker:
			// Markers sit inside the array and do not change whether the
			// next entry is its first element.
		case nodeEntry:
			if expectFirst && n.hasFragment {
				n.fragment = leadingSeparatorRe.ReplaceAllString(n.fragment, "$1")
			}
			expectFirst = false
		}
	}
}

// danglingSeparatorRe matches a trailing separator left immediately before
// a closing brace: a comma followed by nothing but whitespace until "}".
var danglingSeparatorRe = regexp.MustCompile(`,(\s*\n\s*\})`)

// repairDanglingSeparators rewrites the serialized document to delete
// trailing separators the removal exposed, then reparses it so the node
// model stays in sync with the text.
func (d *Document) repairDanglingSeparators() {
	before := d.Bytes()
	after := danglingSeparatorRe.ReplaceAll(before, []byte("$1"))
	if string(before) == string(after) {
		return
	}
	*d = *Parse(after)
}
