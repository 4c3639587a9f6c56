package repository

import (
	"context"

	"github.com/stemsi/exstem-engine/internal/model"
)

// SessionTx is the lock scope of one session. The session row is held
// exclusively for the lifetime of the transaction, and every Section
// Ledger write for that session goes through it. Writes are staged and
// become visible to other callers only when the callback returns nil.
type SessionTx interface {
	// Session returns the locked session. Mutations are persisted with SaveSession.
	Session() *model.Session
	// Section returns the ledger entry for idx, or ErrNotFound.
	Section(ctx context.Context, idx int) (*model.SectionLedger, error)
	// Sections returns every ledger entry of the session ordered by index,
	// including writes staged earlier in this transaction.
	Sections(ctx context.Context) ([]model.SectionLedger, error)
	// PutSection upserts a ledger entry. Fails with ErrImmutable if the
	// stored entry is already completed.
	PutSection(ctx context.Context, entry *model.SectionLedger) error
	// SaveSession writes the mutable session attributes.
	SaveSession(ctx context.Context, sess *model.Session) error
}
