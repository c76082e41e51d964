package audit

import (
	"context"

	"github.com/google/uuid"

	"github.com/meridian/backend/internal/domain/shared"
)

// ErrSequenceConflict signals that another appender won the race for the next
// sequence number; the caller re-reads the head and retries.
var ErrSequenceConflict = shared.NewDomainError("AUDIT_SEQUENCE_CONFLICT", "Another appender claimed this sequence")

// Repository is the append-only persistence surface for audit chains. There
// are deliberately no update or delete methods.
type Repository interface {
	// Insert appends the entry. The unique (organization_id, sequence) index
	// turns concurrent appends into ErrSequenceConflict.
	Insert(ctx context.Context, entry *Entry) error

	// Head returns the latest entry of an organization's chain, or
	// shared.ErrNotFound for an empty chain.
	Head(ctx context.Context, organizationID uuid.UUID) (*Entry, error)

	// Range returns entries with fromSeq <= sequence <= toSeq ordered by
	// ascending sequence. toSeq <= 0 means "to the head".
	Range(ctx context.Context, organizationID uuid.UUID, fromSeq, toSeq int64) ([]*Entry, error)

	// Count returns the chain length.
	Count(ctx context.Context, organizationID uuid.UUID) (int64, error)
}
