// Package ledger implements the append-only, tamper-evident audit ledger.
// Every entity mutation and security event is recorded as a hash-chained
// entry; chains can be audited offline and any historical state replayed.
package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fincollab/govcore/pkg/canonicalize"
)

// EventType categorizes a ledger entry.
type EventType string

const (
	EventCreated EventType = "CREATED"
	EventUpdated EventType = "UPDATED"
	EventDeleted EventType = "DELETED"
	EventCustom  EventType = "CUSTOM"
)

// ChainState tracks the retention lifecycle of an entity chain.
type ChainState string

const (
	ChainOpen      ChainState = "OPEN"
	ChainLegalHold ChainState = "LEGAL_HOLD"
	ChainPurged    ChainState = "PURGED"
)

// GenesisHash is the previous-hash value of entry 0: 32 zero bytes, hex.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is a single immutable record in an entity chain.
//
// Timestamp is stored in canonical form (RFC 3339 UTC) as written, so that
// re-hashing a persisted entry reproduces the original digest exactly.
type Entry struct {
	Sequence    uint64                 `json:"sequence"`
	EntityID    string                 `json:"entityId"`
	EntityModel string                 `json:"entityModel"`
	EventType   EventType              `json:"eventType"`
	Payload     map[string]interface{} `json:"payload"`
	PerformedBy string                 `json:"performedBy,omitempty"`
	Timestamp   string                 `json:"timestamp"`

	PreviousHash string `json:"previousHash"`
	CurrentHash  string `json:"currentHash"`
	Signature    string `json:"signature"`

	// Forensic context, queryable but not part of the hash preimage.
	Context EntryContext `json:"context,omitempty"`
}

// EntryContext carries request-scoped forensic attributes.
type EntryContext struct {
	WorkspaceID     string   `json:"workspaceId,omitempty"`
	SessionID       string   `json:"sessionId,omitempty"`
	IPAddress       string   `json:"ipAddress,omitempty"`
	RequestID       string   `json:"requestId,omitempty"`
	RiskLevel       string   `json:"riskLevel,omitempty"`
	ComplianceFlags []string `json:"complianceFlags,omitempty"`
}

// Time parses the entry's canonical timestamp.
func (e *Entry) Time() (time.Time, error) {
	return canonicalize.ParseTimestamp(e.Timestamp)
}

// ComputeHash derives the entry hash from its immutable fields:
//
//	H(previousHash ‖ canonicalJSON(payload) ‖ sequence ‖ timestamp ‖ entityId ‖ eventType)
//
// The payload is canonicalized per RFC 8785, so key order never affects the
// digest.
func ComputeHash(e *Entry) (string, error) {
	payload, err := canonicalize.JCS(e.Payload)
	if err != nil {
		return "", fmt.Errorf("ledger: canonicalize payload: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(e.PreviousHash)
	sb.WriteByte('|')
	sb.Write(payload)
	sb.WriteByte('|')
	sb.WriteString(strconv.FormatUint(e.Sequence, 10))
	sb.WriteByte('|')
	sb.WriteString(e.Timestamp)
	sb.WriteByte('|')
	sb.WriteString(e.EntityID)
	sb.WriteByte('|')
	sb.WriteString(string(e.EventType))

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:]), nil
}

// Signer produces and verifies HMAC signatures over entry hashes using an
// operator-held key.
type Signer struct {
	key []byte
}

// NewSigner creates a signer. The key must be kept out of the ledger store.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Sign returns HMAC-SHA256(key, currentHash) as hex.
func (s *Signer) Sign(currentHash string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(currentHash))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature in constant time.
func (s *Signer) Verify(currentHash, signature string) bool {
	expected, err := hex.DecodeString(s.Sign(currentHash))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}
