package redemption

import (
	"context"
	"errors"
	"math"
)

// Tracker answers read-only questions about the active session.
type Tracker struct {
	sessions SessionStore
}

// NewTracker wires a Tracker over a session store.
func NewTracker(sessions SessionStore) *Tracker {
	return &Tracker{sessions: sessions}
}

// ActiveSession returns the current session. found=false with a nil error
// means no session is active.
func (t *Tracker) ActiveSession(ctx context.Context) (Session, bool, error) {
	sess, err := t.sessions.ActiveSession(ctx)
	if errors.Is(err, ErrNotFound) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

// CapacityOf reports consumption of sess. Remaining never goes negative;
// over-redemption shows as Taken > Prepared.
func (t *Tracker) CapacityOf(ctx context.Context, sess Session) (Capacity, error) {
	taken, overrides, err := t.sessions.CountRedemptions(ctx, sess.ID)
	if err != nil {
		return Capacity{}, err
	}
	c := Capacity{
		Prepared:  sess.PreparedQty,
		Taken:     taken,
		Remaining: max(0, sess.PreparedQty-taken),
		Overrides: overrides,
	}
	if sess.PreparedQty > 0 {
		c.Progress = math.Round(float64(taken)*1000/float64(sess.PreparedQty)) / 10
	}
	return c, nil
}
