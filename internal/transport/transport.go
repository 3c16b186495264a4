package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
)

// Kind classifies a delivery failure and decides the retry policy applied
// by the dispatch loop.
type Kind string

const (
	// Throttled is a provider-issued cooldown; the sender must wait exactly
	// RetryAfter and may then retry the same recipient. Never counted as a
	// failure.
	Throttled Kind = "throttled"
	// RecipientRejected is a permanent per-recipient rejection (blocked
	// sender, privacy-restricted, deactivated). Counted failed, never retried.
	RecipientRejected Kind = "recipient_rejected"
	// Unresolvable means the identifier cannot be looked up. Counted skipped.
	Unresolvable Kind = "unresolvable"
	// IdentityUnavailable means the sending identity cannot be used right
	// now; the loop rotates to the next identity.
	IdentityUnavailable Kind = "identity_unavailable"
	// Unclassified covers everything else. Counted failed, never retried.
	Unclassified Kind = "unclassified"
)

type Error struct {
	Kind       Kind
	RetryAfter time.Duration
	Msg        string
}

func (e *Error) Error() string {
	if e.Kind == Throttled {
		return fmt.Sprintf("%s (retry after %s): %s", e.Kind, e.RetryAfter, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Classify extracts the failure kind from err, falling back to Unclassified
// for errors the transport did not tag.
func Classify(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return Unclassified
}

// Cooldown returns the provider-mandated wait when err is a Throttled error.
func Cooldown(err error) (time.Duration, bool) {
	var te *Error
	if errors.As(err, &te) && te.Kind == Throttled {
		return te.RetryAfter, true
	}
	return 0, false
}

// Target is an addressable delivery destination produced by Resolve.
type Target struct {
	NumericID int64
	Handle    string
}

// Content is a rendered message ready for delivery: exactly one mode is
// meaningful, with forward taking precedence over media and text.
type Content struct {
	Mode             model.ContentMode
	Text             string
	MediaRef         string
	MediaKind        model.MediaKind
	ForwardChannel   string
	ForwardMessageID int64
	Buttons          []model.Button
}

// Channel is a live connection through which one identity resolves and
// delivers to recipients.
type Channel interface {
	Resolve(ctx context.Context, r model.Recipient) (Target, error)
	Deliver(ctx context.Context, t Target, c Content) error
	Close() error
}
