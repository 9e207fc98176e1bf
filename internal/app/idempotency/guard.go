// Package idempotency keeps the durable ledger of processed event ids. A ledger
// mark is written inside the handler's transaction, so either both the side effect
// and the mark commit or neither does.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/todo-1m/automation/internal/store"
)

// ErrStoreUnavailable reports that the ledger could not be read or written. It is
// transient: the delivery should be retried.
var ErrStoreUnavailable = errors.New("idempotency: ledger unavailable")

const DefaultRetention = 30 * 24 * time.Hour

type Ledger interface {
	IsProcessed(ctx context.Context, eventID string) (bool, error)
	PurgeProcessed(ctx context.Context, before time.Time) (int64, error)
}

type Guard struct {
	Ledger    Ledger
	Retention time.Duration
	Now       func() time.Time
}

func New(ledger Ledger, retention time.Duration) *Guard {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Guard{
		Ledger:    ledger,
		Retention: retention,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (g *Guard) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	ok, err := g.Ledger.IsProcessed(ctx, eventID)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return ok, nil
}

// MarkProcessed records eventID in tx. A concurrent duplicate yields
// store.ErrAlreadyProcessed and the caller must roll back.
func (g *Guard) MarkProcessed(ctx context.Context, tx store.Tx, eventID, handlerName string) error {
	err := tx.MarkProcessed(ctx, store.ProcessedEventRecord{
		EventID:     eventID,
		HandlerName: handlerName,
		ProcessedAt: g.Now(),
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrAlreadyProcessed):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}

// Purge removes ledger records older than the retention window.
func (g *Guard) Purge(ctx context.Context, now time.Time) (int64, error) {
	n, err := g.Ledger.PurgeProcessed(ctx, now.Add(-g.Retention))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return n, nil
}
