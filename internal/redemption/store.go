package redemption

import (
	"context"
	"time"
)

// IdentityStore reads and maintains identities.
type IdentityStore interface {
	// IdentityByID returns ErrNotFound for unknown ids. Inactive identities
	// are returned with Active=false.
	IdentityByID(ctx context.Context, id int64) (Identity, error)
	// IdentityByEmployeeCode matches case-insensitively among active
	// identities and returns ErrNotFound otherwise.
	IdentityByEmployeeCode(ctx context.Context, code string) (Identity, error)
	SetPickupCode(ctx context.Context, id int64, code string) error
	ListIdentityIDs(ctx context.Context) ([]int64, error)
}

// SessionStore reads sessions and their consumption counters.
type SessionStore interface {
	// ActiveSession returns the active session with the latest (date, id), or
	// ErrNotFound.
	ActiveSession(ctx context.Context) (Session, error)
	SessionByID(ctx context.Context, id int64) (Session, error)
	// CountRedemptions counts live records, and among them the overridden ones.
	CountRedemptions(ctx context.Context, sessionID int64) (taken, overrides int, err error)
}

// RedemptionStore persists redemption records. InsertRedemption and
// CorrectRedemption must enforce uniqueness of live (session, identity) pairs
// atomically and report a collision as ErrDuplicate.
type RedemptionStore interface {
	HasRedemption(ctx context.Context, sessionID, identityID int64) (bool, error)
	InsertRedemption(ctx context.Context, e Entry) (Record, error)
	ListRedemptions(ctx context.Context, sessionID int64) ([]Record, error)
	RedemptionByID(ctx context.Context, id int64) (Record, error)
	CorrectRedemption(ctx context.Context, id int64, c Correction) (Record, error)
	SoftDeleteRedemption(ctx context.Context, id int64, reason string, at time.Time) error
}

// Store is the full persistence surface used by the engine.
type Store interface {
	IdentityStore
	SessionStore
	RedemptionStore
}

// Provisioner seeds reference data. Used by tests, the smoke tool and the
// development bootstrap; production data is owned elsewhere.
type Provisioner interface {
	CreateIdentity(ctx context.Context, id Identity) (Identity, error)
	CreateWindow(ctx context.Context, w Window) (Window, error)
	CreateSession(ctx context.Context, s Session) (Session, error)
}
