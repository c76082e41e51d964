package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/meridian/backend/internal/domain/shared"
)

// GenesisHash anchors the first entry of every chain
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Event is the payload appended to the ledger. Detail must be valid JSON;
// it is stored verbatim and hashed canonically.
type Event struct {
	Actor    string          `json:"actor"`
	Action   string          `json:"action"`
	Resource string          `json:"resource"`
	Detail   json.RawMessage `json:"detail,omitempty"`
}

// Validate checks the event is well-formed
func (e Event) Validate() error {
	if e.Actor == "" {
		return shared.NewDomainError("INVALID_AUDIT_EVENT", "Audit event actor cannot be empty")
	}
	if e.Action == "" {
		return shared.NewDomainError("INVALID_AUDIT_EVENT", "Audit event action cannot be empty")
	}
	if len(e.Detail) > 0 && !json.Valid(e.Detail) {
		return shared.NewDomainError("INVALID_AUDIT_EVENT", "Audit event detail must be valid JSON")
	}
	return nil
}

// Entry is one immutable link in an organization's audit chain. Entries are
// only ever inserted; the persistence layer rejects updates and deletes with
// no administrator escape hatch.
type Entry struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	OrganizationID uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_audit_chain,priority:1"`
	Sequence       int64     `gorm:"not null;uniqueIndex:idx_audit_chain,priority:2"`
	Actor          string    `gorm:"type:varchar(200);not null"`
	Action         string    `gorm:"type:varchar(120);not null;index"`
	Resource       string    `gorm:"type:varchar(200)"`
	Detail         string    `gorm:"type:text"`
	PreviousHash   string    `gorm:"type:char(64);not null"`
	IntegrityHash  string    `gorm:"type:char(64);not null"`
	CreatedAt      time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (Entry) TableName() string {
	return "audit_entries"
}

// NewEntry builds the next link of a chain. previousHash is the integrity
// hash of the chronologically preceding entry, or GenesisHash for sequence 1.
func NewEntry(organizationID uuid.UUID, sequence int64, previousHash string, event Event, now time.Time) (*Entry, error) {
	if organizationID == uuid.Nil {
		return nil, shared.NewDomainError("INVALID_ORGANIZATION", "Organization ID cannot be empty")
	}
	if sequence < 1 {
		return nil, shared.NewDomainError("INVALID_SEQUENCE", "Audit sequence starts at 1")
	}
	if sequence == 1 && previousHash != GenesisHash {
		return nil, shared.NewDomainError("INVALID_CHAIN", "First entry must link to the genesis hash")
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}

	e := &Entry{
		ID:             uuid.New(),
		OrganizationID: organizationID,
		Sequence:       sequence,
		Actor:          event.Actor,
		Action:         event.Action,
		Resource:       event.Resource,
		Detail:         string(event.Detail),
		PreviousHash:   previousHash,
		CreatedAt:      now.UTC(),
	}
	e.IntegrityHash = e.ComputeHash()
	return e, nil
}

// canonicalPayload is the hashed representation of an entry. Field order is
// fixed by the struct definition, so serialization is stable.
type canonicalPayload struct {
	OrganizationID string `json:"organization_id"`
	Sequence       int64  `json:"sequence"`
	Actor          string `json:"actor"`
	Action         string `json:"action"`
	Resource       string `json:"resource"`
	Detail         string `json:"detail"`
	CreatedAt      string `json:"created_at"`
}

// CanonicalBytes returns the deterministic serialization of the entry's
// event content (everything except the hashes themselves).
func (e *Entry) CanonicalBytes() []byte {
	payload := canonicalPayload{
		OrganizationID: e.OrganizationID.String(),
		Sequence:       e.Sequence,
		Actor:          e.Actor,
		Action:         e.Action,
		Resource:       e.Resource,
		Detail:         e.Detail,
		CreatedAt:      e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	// marshal of a flat struct with fixed field order cannot fail
	b, _ := json.Marshal(payload)
	return b
}

// ComputeHash returns SHA-256(previous_hash || canonical event bytes) in hex
func (e *Entry) ComputeHash() string {
	h := sha256.New()
	h.Write([]byte(e.PreviousHash))
	h.Write(e.CanonicalBytes())
	return hex.EncodeToString(h.Sum(nil))
}

// IntegrityOK recomputes the hash and compares it to the stored value
func (e *Entry) IntegrityOK() bool {
	return e.ComputeHash() == e.IntegrityHash
}
