package redemption

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type pairKey struct {
	session  int64
	identity int64
}

// InMemory implements Store and Provisioner with in-process concurrency
// safety. A single mutex is the critical section for the live-pair index.
type InMemory struct {
	mu         sync.RWMutex
	identities map[int64]*Identity
	windows    map[int64]Window
	sessions   map[int64]Session
	records    map[int64]*Record
	live       map[pairKey]int64 // (session, identity) -> record id
	seq        struct{ identity, window, session, record int64 }
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		identities: make(map[int64]*Identity),
		windows:    make(map[int64]Window),
		sessions:   make(map[int64]Session),
		records:    make(map[int64]*Record),
		live:       make(map[pairKey]int64),
	}
}

func (s *InMemory) CreateIdentity(ctx context.Context, id Identity) (Identity, error) {
	code := strings.TrimSpace(id.EmployeeCode)
	if code == "" {
		return Identity{}, fmt.Errorf("%w: employee code is required", ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.identities {
		if strings.EqualFold(existing.EmployeeCode, code) {
			return Identity{}, fmt.Errorf("%w: employee code %q", ErrDuplicate, code)
		}
	}
	if id.ID == 0 {
		s.seq.identity++
		id.ID = s.seq.identity
	} else if id.ID > s.seq.identity {
		s.seq.identity = id.ID
	}
	if id.Role == "" {
		id.Role = RoleEmployee
	}
	id.EmployeeCode = code
	id.PickupCode = strings.ToUpper(id.PickupCode)
	stored := id
	s.identities[id.ID] = &stored
	return id, nil
}

func (s *InMemory) CreateWindow(ctx context.Context, w Window) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq.window++
	w.ID = s.seq.window
	s.windows[w.ID] = w
	return w, nil
}

func (s *InMemory) CreateSession(ctx context.Context, sess Session) (Session, error) {
	if sess.PreparedQty < 0 {
		return Session{}, fmt.Errorf("%w: prepared quantity must be >= 0", ErrValidation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[sess.WindowID]
	if !ok {
		return Session{}, fmt.Errorf("window %d: %w", sess.WindowID, ErrNotFound)
	}
	s.seq.session++
	sess.ID = s.seq.session
	sess.Window = w
	s.sessions[sess.ID] = sess
	return sess, nil
}

func (s *InMemory) IdentityByID(ctx context.Context, id int64) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[id]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return *ident, nil
}

func (s *InMemory) IdentityByEmployeeCode(ctx context.Context, code string) (Identity, error) {
	code = strings.TrimSpace(code)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ident := range s.identities {
		if ident.Active && strings.EqualFold(ident.EmployeeCode, code) {
			return *ident, nil
		}
	}
	return Identity{}, ErrNotFound
}

func (s *InMemory) SetPickupCode(ctx context.Context, id int64, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ident, ok := s.identities[id]
	if !ok {
		return ErrNotFound
	}
	ident.PickupCode = strings.ToUpper(code)
	return nil
}

func (s *InMemory) ListIdentityIDs(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0, len(s.identities))
	for id := range s.identities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *InMemory) ActiveSession(ctx context.Context) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  Session
		found bool
	)
	for _, sess := range s.sessions {
		if !sess.IsActive {
			continue
		}
		if !found || sess.Date.After(best.Date) || (sess.Date.Equal(best.Date) && sess.ID > best.ID) {
			best, found = sess, true
		}
	}
	if !found {
		return Session{}, ErrNotFound
	}
	return best, nil
}

func (s *InMemory) SessionByID(ctx context.Context, id int64) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *InMemory) CountRedemptions(ctx context.Context, sessionID int64) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var taken, overrides int
	for _, rec := range s.records {
		if rec.SessionID != sessionID || rec.DeletedAt != nil {
			continue
		}
		taken++
		if rec.Overridden {
			overrides++
		}
	}
	return taken, overrides, nil
}

func (s *InMemory) HasRedemption(ctx context.Context, sessionID, identityID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.live[pairKey{sessionID, identityID}]
	return ok, nil
}

func (s *InMemory) InsertRedemption(ctx context.Context, e Entry) (Record, error) {
	key := pairKey{e.SessionID, e.IdentityID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.live[key]; ok {
		return Record{}, ErrDuplicate
	}
	s.seq.record++
	rec := &Record{
		ID:             s.seq.record,
		SessionID:      e.SessionID,
		IdentityID:     e.IdentityID,
		OfficerID:      e.OfficerID,
		PickedAt:       e.PickedAt,
		Method:         e.Method,
		Overridden:     e.Overridden,
		OverrideReason: e.OverrideReason,
	}
	s.records[rec.ID] = rec
	s.live[key] = rec.ID
	return *rec, nil
}

func (s *InMemory) ListRedemptions(ctx context.Context, sessionID int64) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, rec := range s.records {
		if rec.SessionID == sessionID && rec.DeletedAt == nil {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PickedAt.Equal(out[j].PickedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].PickedAt.After(out[j].PickedAt)
	})
	return out, nil
}

func (s *InMemory) RedemptionByID(ctx context.Context, id int64) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok || rec.DeletedAt != nil {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (s *InMemory) CorrectRedemption(ctx context.Context, id int64, c Correction) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.DeletedAt != nil {
		return Record{}, ErrNotFound
	}
	next := *rec
	if c.SessionID != 0 {
		next.SessionID = c.SessionID
	}
	if c.IdentityID != 0 {
		next.IdentityID = c.IdentityID
	}
	if c.Method != "" {
		next.Method = c.Method
	}
	next.CorrectionReason = c.Reason

	oldKey := pairKey{rec.SessionID, rec.IdentityID}
	newKey := pairKey{next.SessionID, next.IdentityID}
	if newKey != oldKey {
		if _, taken := s.live[newKey]; taken {
			return Record{}, ErrDuplicate
		}
		delete(s.live, oldKey)
		s.live[newKey] = rec.ID
	}
	*rec = next
	return next, nil
}

func (s *InMemory) SoftDeleteRedemption(ctx context.Context, id int64, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.DeletedAt != nil {
		return ErrNotFound
	}
	deleted := at
	rec.DeletedAt = &deleted
	rec.CorrectionReason = reason
	delete(s.live, pairKey{rec.SessionID, rec.IdentityID})
	return nil
}
