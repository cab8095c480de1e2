package redemption

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ahsinil/meal-pass/internal/credential"
)

// Publisher receives confirmed redemptions, e.g. for a live station feed.
type Publisher interface {
	PublishRedemption(rec Record)
}

// Observer receives outcome counters. Implementations must be safe for
// concurrent use.
type Observer interface {
	ObserveScan(outcome, kind string)
	ObserveRedemption(method string, overridden bool)
	ObserveConflict()
}

// ConfirmRequest is the officer's decision on a resolved scan.
type ConfirmRequest struct {
	SessionID      int64
	IdentityID     int64
	OfficerID      int64
	Method         Method
	Overridden     bool
	OverrideReason string
}

// IssuedCredential is a fresh QR credential for display.
type IssuedCredential struct {
	Token         string `json:"token"`
	ExpiresAtUnix int64  `json:"expires_at_unix"`
}

// SessionCapacity pairs the active session with its counters.
type SessionCapacity struct {
	Session  Session  `json:"session"`
	Capacity Capacity `json:"capacity"`
}

// Engine drives redemption attempts end to end.
type Engine struct {
	codec    *credential.Codec
	store    Store
	tracker  *Tracker
	ledger   *Ledger
	pub      Publisher
	observer Observer
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithPublisher(p Publisher) EngineOption {
	return func(e *Engine) { e.pub = p }
}

func WithObserver(o Observer) EngineOption {
	return func(e *Engine) { e.observer = o }
}

// WithLedger replaces the default ledger built over the store.
func WithLedger(l *Ledger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.ledger = l
		}
	}
}

// NewEngine wires an engine over a codec and a store.
func NewEngine(codec *credential.Codec, store Store, opts ...EngineOption) (*Engine, error) {
	if codec == nil {
		return nil, errors.New("redemption: codec is required")
	}
	if store == nil {
		return nil, errors.New("redemption: store is required")
	}
	e := &Engine{
		codec:   codec,
		store:   store,
		tracker: NewTracker(store),
		ledger:  NewLedger(store),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Engine) Tracker() *Tracker { return e.tracker }
func (e *Engine) Ledger() *Ledger   { return e.ledger }

// Submit resolves raw station input entered by officerID. Domain failures
// come back as a Rejected result; the error is for infrastructure faults.
func (e *Engine) Submit(ctx context.Context, raw string, officerID int64) (ScanResult, error) {
	att := NewAttempt()
	if err := e.Scan(ctx, att, raw, officerID); err != nil {
		return ScanResult{}, err
	}
	return att.Result(), nil
}

// Scan drives att from Idle to Resolved or Rejected.
func (e *Engine) Scan(ctx context.Context, att *Attempt, raw string, officerID int64) error {
	if err := att.begin(); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)

	officer, err := e.activeOfficer(ctx, officerID)
	if err != nil {
		return err
	}
	ident, method, err := e.resolveIdentity(ctx, raw, officer)
	if err != nil {
		return e.rejectOrFail(att, err)
	}

	sess, found, err := e.tracker.ActiveSession(ctx)
	if err != nil {
		return fmt.Errorf("load active session: %w", err)
	}
	if !found {
		return e.rejectOrFail(att, ErrNoActiveSession)
	}

	redeemed, err := e.ledger.HasRedeemed(ctx, sess.ID, ident.ID)
	if err != nil {
		return fmt.Errorf("check redemption: %w", err)
	}
	if redeemed {
		_ = att.resolve(ident.Summary(), sess.ID, method)
		return e.rejectOrFail(att, ErrAlreadyRedeemed)
	}

	if err := att.resolve(ident.Summary(), sess.ID, method); err != nil {
		return err
	}
	e.observeScan("resolved", KindNone)
	return nil
}

func (e *Engine) resolveIdentity(ctx context.Context, raw string, officer Identity) (Identity, Method, error) {
	if credential.IsQR(raw) {
		id, err := e.codec.VerifyQR(raw)
		if err != nil {
			return Identity{}, MethodQR, err
		}
		ident, err := e.activeIdentity(ctx, id)
		return ident, MethodQR, err
	}

	var resolved Identity
	lookup := credential.EmployeeLookupFunc(func(ctx context.Context, code string) (int64, error) {
		ident, err := e.store.IdentityByEmployeeCode(ctx, code)
		if errors.Is(err, ErrNotFound) {
			return 0, ErrIdentityNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("lookup employee code: %w", err)
		}
		resolved = ident
		return ident.ID, nil
	})
	if _, err := e.codec.VerifyManual(ctx, raw, officer.PickupCode, lookup); err != nil {
		return Identity{}, MethodManual, err
	}
	return resolved, MethodManual, nil
}

// activeOfficer loads the station operator. Unknown, inactive and
// non-staff identities all yield ErrOfficerNotFound.
func (e *Engine) activeOfficer(ctx context.Context, id int64) (Identity, error) {
	officer, err := e.store.IdentityByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Identity{}, fmt.Errorf("%w: %d", ErrOfficerNotFound, id)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("load officer: %w", err)
	}
	if !officer.Active || (officer.Role != RoleOfficer && officer.Role != RoleAdmin) {
		return Identity{}, fmt.Errorf("%w: %d", ErrOfficerNotFound, id)
	}
	return officer, nil
}

func (e *Engine) activeIdentity(ctx context.Context, id int64) (Identity, error) {
	ident, err := e.store.IdentityByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return Identity{}, ErrIdentityNotFound
	}
	if err != nil {
		return Identity{}, fmt.Errorf("load identity %d: %w", id, err)
	}
	if !ident.Active {
		return Identity{}, ErrIdentityNotFound
	}
	return ident, nil
}

// rejectOrFail turns domain errors into a Rejected attempt and passes
// everything else through.
func (e *Engine) rejectOrFail(att *Attempt, err error) error {
	kind := KindOf(err)
	if kind == KindNone || errors.Is(err, ErrOfficerNotFound) {
		return err
	}
	if rerr := att.reject(kind, err.Error()); rerr != nil {
		return rerr
	}
	e.observeScan("rejected", kind)
	return nil
}

// Confirm records the redemption. Losing a concurrent race yields an error
// matching both ErrAlreadyRedeemed and ErrDuplicate.
func (e *Engine) Confirm(ctx context.Context, req ConfirmRequest) (Record, error) {
	if req.Method == "" {
		req.Method = MethodManual
	}
	if _, err := e.activeOfficer(ctx, req.OfficerID); err != nil {
		return Record{}, err
	}
	if req.IdentityID > 0 {
		if _, err := e.activeIdentity(ctx, req.IdentityID); err != nil {
			return Record{}, err
		}
	}
	if req.SessionID > 0 {
		sess, err := e.store.SessionByID(ctx, req.SessionID)
		if errors.Is(err, ErrNotFound) || (err == nil && !sess.IsActive) {
			return Record{}, ErrNoActiveSession
		}
		if err != nil {
			return Record{}, fmt.Errorf("load session %d: %w", req.SessionID, err)
		}
	}

	rec, err := e.ledger.Record(ctx, Entry{
		SessionID:      req.SessionID,
		IdentityID:     req.IdentityID,
		OfficerID:      req.OfficerID,
		Method:         req.Method,
		Overridden:     req.Overridden,
		OverrideReason: req.OverrideReason,
	})
	if errors.Is(err, ErrDuplicate) {
		if e.observer != nil {
			e.observer.ObserveConflict()
		}
		return Record{}, fmt.Errorf("%w: %w", ErrAlreadyRedeemed, err)
	}
	if err != nil {
		return Record{}, err
	}

	if e.observer != nil {
		e.observer.ObserveRedemption(string(rec.Method), rec.Overridden)
	}
	if e.pub != nil {
		e.pub.PublishRedemption(rec)
	}
	return rec, nil
}

// ConfirmAttempt confirms a Resolved attempt on behalf of officerID.
func (e *Engine) ConfirmAttempt(ctx context.Context, att *Attempt, officerID int64, overridden bool, reason string) (Record, error) {
	if att.State() != StateResolved {
		return Record{}, fmt.Errorf("%w: confirm from %s", ErrInvalidTransition, att.State())
	}
	res := att.Result()
	rec, err := e.Confirm(ctx, ConfirmRequest{
		SessionID:      res.SessionID,
		IdentityID:     res.Identity.ID,
		OfficerID:      officerID,
		Method:         res.Method,
		Overridden:     overridden,
		OverrideReason: reason,
	})
	if err != nil {
		if kind := KindOf(err); kind != KindNone && kind != KindValidation {
			_ = att.reject(kind, err.Error())
		}
		return Record{}, err
	}
	if err := att.confirm(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// IssueCredential signs a fresh QR credential for an active identity. Each
// call is independent; earlier credentials stay valid until they expire.
func (e *Engine) IssueCredential(ctx context.Context, identityID int64) (IssuedCredential, error) {
	ident, err := e.activeIdentity(ctx, identityID)
	if err != nil {
		return IssuedCredential{}, err
	}
	tok, err := e.codec.IssueQR(ident.ID, 0)
	if err != nil {
		return IssuedCredential{}, err
	}
	return IssuedCredential{Token: tok.Value, ExpiresAtUnix: tok.ExpiresAt.Unix()}, nil
}

// ActiveSessionCapacity returns the active session and its counters, or
// ErrNoActiveSession.
func (e *Engine) ActiveSessionCapacity(ctx context.Context) (SessionCapacity, error) {
	sess, found, err := e.tracker.ActiveSession(ctx)
	if err != nil {
		return SessionCapacity{}, err
	}
	if !found {
		return SessionCapacity{}, ErrNoActiveSession
	}
	capacity, err := e.tracker.CapacityOf(ctx, sess)
	if err != nil {
		return SessionCapacity{}, err
	}
	return SessionCapacity{Session: sess, Capacity: capacity}, nil
}

// ListRedemptions returns live records of an existing session.
func (e *Engine) ListRedemptions(ctx context.Context, sessionID int64) ([]Record, error) {
	if _, err := e.store.SessionByID(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("session %d: %w", sessionID, err)
	}
	return e.ledger.List(ctx, sessionID)
}

// CorrectRedemption applies an administrative correction.
func (e *Engine) CorrectRedemption(ctx context.Context, id int64, c Correction) (Record, error) {
	if c.IdentityID > 0 {
		if _, err := e.store.IdentityByID(ctx, c.IdentityID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return Record{}, ErrIdentityNotFound
			}
			return Record{}, err
		}
	}
	if c.SessionID > 0 {
		if _, err := e.store.SessionByID(ctx, c.SessionID); err != nil {
			return Record{}, fmt.Errorf("session %d: %w", c.SessionID, err)
		}
	}
	return e.ledger.Correct(ctx, id, c)
}

// VoidRedemption soft-deletes a record.
func (e *Engine) VoidRedemption(ctx context.Context, id int64, reason string) error {
	return e.ledger.Void(ctx, id, reason)
}

func (e *Engine) observeScan(outcome string, kind ErrorKind) {
	if e.observer != nil {
		e.observer.ObserveScan(outcome, string(kind))
	}
}
