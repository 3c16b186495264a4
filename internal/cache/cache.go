package cache

import (
	"context"
	"time"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
)

// ReceiptCache stores one delivery receipt per successful send so recent
// outcomes can be inspected without scanning job error logs.
type ReceiptCache interface {
	StoreReceipt(ctx context.Context, jobID string, recipient model.Recipient, identityHandle string, at time.Time) error
}
