package model

type IdentifierKind string

const (
	KindHandle    IdentifierKind = "handle"
	KindNumericID IdentifierKind = "numeric_id"
	KindPhone     IdentifierKind = "phone"
)

// Recipient is one delivery target within a recipient set. Within a set,
// (Kind, lowercased Identifier) is unique; import-time deduplication
// enforces it. Position is the recipient's fixed place in import order and
// never changes, so job cursors stay meaningful when other recipients are
// invalidated.
type Recipient struct {
	Position       int
	Identifier     string
	Kind           IdentifierKind
	NumericID      *int64
	ResolvedHandle *string
	Valid          bool
	ErrorReason    *string
}

// RecipientSet is the metadata record for an imported list of recipients.
type RecipientSet struct {
	ID    string
	Name  string
	Total int
	Valid int
}
