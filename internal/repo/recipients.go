package repo

import (
	"context"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
)

// RecipientRepository stores recipient sets, their ordered members, and the
// shared blacklist. Import order is preserved: a running job walks a set
// strictly in insertion order.
type RecipientRepository interface {
	CreateSet(ctx context.Context, set *model.RecipientSet, recipients []model.Recipient) error
	GetSet(ctx context.Context, id string) (*model.RecipientSet, error)
	ListSets(ctx context.Context) ([]model.RecipientSet, error)
	DeleteSet(ctx context.Context, id string) error

	ListRecipients(ctx context.Context, setID string) ([]model.Recipient, error)

	// ValidFrom returns the recipients still valid at or past a set
	// position, in position order. Positions are stable under
	// invalidation, which makes them safe to persist as job cursors.
	ValidFrom(ctx context.Context, setID string, fromPosition int) ([]model.Recipient, error)
	MarkInvalid(ctx context.Context, setID, identifier, reason string) error

	AddBlacklist(ctx context.Context, identifier string) (bool, error)
	ListBlacklist(ctx context.Context) ([]string, error)
	ClearBlacklist(ctx context.Context) (int64, error)
	IsBlacklisted(ctx context.Context, identifier string) (bool, error)

	// InvalidateBlacklisted marks every recipient matching a freshly
	// blacklisted identifier invalid across all sets.
	InvalidateBlacklisted(ctx context.Context, identifier string) error
}
