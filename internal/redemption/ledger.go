package redemption

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Ledger validates entries and writes them through a RedemptionStore. The
// store's insert is the uniqueness check; Ledger never checks then inserts.
type Ledger struct {
	store RedemptionStore
	now   func() time.Time
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithLedgerClock replaces time.Now for picked_at stamps.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLedger creates a ledger over store.
func NewLedger(store RedemptionStore, opts ...LedgerOption) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// HasRedeemed reports whether a live record exists for the pair.
func (l *Ledger) HasRedeemed(ctx context.Context, sessionID, identityID int64) (bool, error) {
	return l.store.HasRedemption(ctx, sessionID, identityID)
}

// Record persists e. A collision with an existing live record yields
// ErrDuplicate and writes nothing.
func (l *Ledger) Record(ctx context.Context, e Entry) (Record, error) {
	e.OverrideReason = strings.TrimSpace(e.OverrideReason)
	if err := validateEntry(e); err != nil {
		return Record{}, err
	}
	if !e.Overridden {
		e.OverrideReason = ""
	}
	if e.PickedAt.IsZero() {
		e.PickedAt = l.now().UTC()
	}
	rec, err := l.store.InsertRedemption(ctx, e)
	if err != nil {
		return Record{}, fmt.Errorf("record redemption: %w", err)
	}
	return rec, nil
}

// List returns live records of a session, newest first.
func (l *Ledger) List(ctx context.Context, sessionID int64) ([]Record, error) {
	if sessionID <= 0 {
		return nil, fmt.Errorf("%w: session id must be positive", ErrValidation)
	}
	return l.store.ListRedemptions(ctx, sessionID)
}

// Get returns a live record by id.
func (l *Ledger) Get(ctx context.Context, id int64) (Record, error) {
	return l.store.RedemptionByID(ctx, id)
}

// Correct applies an administrative edit. Reassigning onto a pair that
// already has a live record fails with ErrDuplicate.
func (l *Ledger) Correct(ctx context.Context, id int64, c Correction) (Record, error) {
	c.Reason = strings.TrimSpace(c.Reason)
	switch {
	case id <= 0:
		return Record{}, fmt.Errorf("%w: record id must be positive", ErrValidation)
	case c.Reason == "":
		return Record{}, fmt.Errorf("%w: correction reason is required", ErrValidation)
	case c.SessionID < 0 || c.IdentityID < 0:
		return Record{}, fmt.Errorf("%w: ids must be positive", ErrValidation)
	case c.Method != "" && !c.Method.Valid():
		return Record{}, fmt.Errorf("%w: unknown method %q", ErrValidation, c.Method)
	}
	rec, err := l.store.CorrectRedemption(ctx, id, c)
	if err != nil {
		return Record{}, fmt.Errorf("correct redemption %d: %w", id, err)
	}
	return rec, nil
}

// Void soft-deletes a record, freeing its (session, identity) slot.
func (l *Ledger) Void(ctx context.Context, id int64, reason string) error {
	reason = strings.TrimSpace(reason)
	if id <= 0 {
		return fmt.Errorf("%w: record id must be positive", ErrValidation)
	}
	if reason == "" {
		return fmt.Errorf("%w: void reason is required", ErrValidation)
	}
	if err := l.store.SoftDeleteRedemption(ctx, id, reason, l.now().UTC()); err != nil {
		return fmt.Errorf("void redemption %d: %w", id, err)
	}
	return nil
}

func validateEntry(e Entry) error {
	switch {
	case e.SessionID <= 0:
		return fmt.Errorf("%w: session id must be positive", ErrValidation)
	case e.IdentityID <= 0:
		return fmt.Errorf("%w: identity id must be positive", ErrValidation)
	case e.OfficerID <= 0:
		return fmt.Errorf("%w: officer id must be positive", ErrValidation)
	case !e.Method.Valid():
		return fmt.Errorf("%w: unknown method %q", ErrValidation, e.Method)
	case e.Overridden && e.OverrideReason == "":
		return fmt.Errorf("%w: override reason is required", ErrValidation)
	}
	return nil
}
