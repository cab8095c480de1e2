package redemption

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ahsinil/meal-pass/internal/credential"
)

var fixtureKey = []byte("fixture-app-key")

type fixture struct {
	store    *InMemory
	codec    *credential.Codec
	engine   *Engine
	session  Session
	officer  Identity
	employee Identity
	clock    time.Time
	pub      *recordingPublisher
	obs      *countingObserver
}

func newFixture(t *testing.T, prepared int) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store: NewInMemory(),
		clock: time.Unix(1_700_000_000, 0),
		pub:   &recordingPublisher{},
		obs:   &countingObserver{},
	}
	codec, err := credential.NewCodec(fixtureKey, credential.WithClock(func() time.Time { return f.clock }))
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	f.codec = codec

	f.officer = mustIdentity(t, f.store, Identity{Name: "Officer", EmployeeCode: "OFF001", PickupCode: "ABC123", Role: RoleOfficer, Active: true})
	f.employee = mustIdentity(t, f.store, Identity{Name: "Budi", EmployeeCode: "EMP007", PickupCode: "QWE456", Department: "Ops", Active: true})

	w, err := f.store.CreateWindow(ctx, Window{Name: "Lunch", StartTime: "11:30", EndTime: "13:00"})
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	f.session, err = f.store.CreateSession(ctx, Session{
		Date:        time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		WindowID:    w.ID,
		PreparedQty: prepared,
		IsActive:    true,
	})
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	ledger := NewLedger(f.store, WithLedgerClock(func() time.Time { return f.clock }))
	f.engine, err = NewEngine(codec, f.store, WithPublisher(f.pub), WithObserver(f.obs), WithLedger(ledger))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	return f
}

func mustIdentity(t *testing.T, s *InMemory, id Identity) Identity {
	t.Helper()
	out, err := s.CreateIdentity(context.Background(), id)
	if err != nil {
		t.Fatalf("create identity %s: %v", id.EmployeeCode, err)
	}
	return out
}

func (f *fixture) qr(t *testing.T, identityID int64) string {
	t.Helper()
	tok, err := f.codec.IssueQR(identityID, 0)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tok.Value
}

type recordingPublisher struct {
	mu      sync.Mutex
	records []Record
}

func (p *recordingPublisher) PublishRedemption(rec Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

type countingObserver struct {
	mu          sync.Mutex
	scans       map[string]int
	redemptions int
	conflicts   int
}

func (o *countingObserver) ObserveScan(outcome, kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.scans == nil {
		o.scans = make(map[string]int)
	}
	o.scans[outcome+"/"+kind]++
}

func (o *countingObserver) ObserveRedemption(string, bool) {
	o.mu.Lock()
	o.redemptions++
	o.mu.Unlock()
}

func (o *countingObserver) ObserveConflict() {
	o.mu.Lock()
	o.conflicts++
	o.mu.Unlock()
}
