package redemption

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitQRResolves(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	res, err := f.engine.Submit(ctx, "  "+f.qr(t, f.employee.ID)+"\n", f.officer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted() {
		t.Fatalf("expected resolved, got %+v", res)
	}
	if res.Identity.ID != f.employee.ID || res.SessionID != f.session.ID || res.Method != MethodQR {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSubmitManualResolvesAgainstOfficerPickupCode(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	res, err := f.engine.Submit(ctx, "abc123emp007", f.officer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted() || res.Identity.EmployeeCode != "EMP007" || res.Method != MethodManual {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, err = f.engine.Submit(ctx, "XYZ999EMP007", f.officer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != StateRejected || res.Kind != KindPickupCodeMismatch {
		t.Fatalf("expected pickup_code_mismatch, got %+v", res)
	}
}

func TestSubmitRejections(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	inactive := mustIdentity(t, f.store, Identity{Name: "Gone", EmployeeCode: "EMP404", Active: false})
	issued := f.qr(t, f.employee.ID)

	cases := []struct {
		name  string
		input func() string
		kind  ErrorKind
	}{
		{"empty", func() string { return "" }, KindInputTooShort},
		{"too short", func() string { return "ABC123" }, KindInputTooShort},
		{"unknown employee", func() string { return "ABC123NOPE" }, KindIdentityNotFound},
		{"inactive manual", func() string { return "ABC123EMP404" }, KindIdentityNotFound},
		{"inactive qr", func() string { return f.qr(t, inactive.ID) }, KindIdentityNotFound},
		{"unknown qr identity", func() string { return f.qr(t, 9999) }, KindIdentityNotFound},
		{"malformed", func() string { return "a.b.c" }, KindMalformed},
		{"tampered", func() string { return flipLast(issued) }, KindInvalidSignature},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := f.engine.Submit(ctx, tc.input(), f.officer.ID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.State != StateRejected || res.Kind != tc.kind {
				t.Fatalf("expected %s, got %+v", tc.kind, res)
			}
		})
	}
}

func TestSubmitExpiredCredential(t *testing.T) {
	f := newFixture(t, 10)
	tok := f.qr(t, f.employee.ID)
	f.clock = f.clock.Add(631 * time.Second)

	res, err := f.engine.Submit(context.Background(), tok, f.officer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindExpired {
		t.Fatalf("expected expired, got %+v", res)
	}
}

func TestSubmitNoActiveSession(t *testing.T) {
	f := newFixture(t, 10)
	f.session.IsActive = false
	f.store.mu.Lock()
	f.store.sessions[f.session.ID] = f.session
	f.store.mu.Unlock()

	res, err := f.engine.Submit(context.Background(), f.qr(t, f.employee.ID), f.officer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindNoActiveSession {
		t.Fatalf("expected no_active_session, got %+v", res)
	}
}

func TestSubmitUnknownOfficerIsError(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.engine.Submit(context.Background(), "ABC123EMP007", 999)
	if !errors.Is(err, ErrOfficerNotFound) {
		t.Fatalf("expected ErrOfficerNotFound, got %v", err)
	}
}

func TestOfficerMustBeActiveStaff(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	retired := mustIdentity(t, f.store, Identity{Name: "Retired", EmployeeCode: "OFF002", PickupCode: "ABC123", Role: RoleOfficer, Active: false})

	cases := []struct {
		name    string
		officer int64
	}{
		{"unknown", 9999},
		{"inactive", retired.ID},
		{"employee", f.employee.ID},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.engine.Submit(ctx, f.qr(t, f.employee.ID), tc.officer); !errors.Is(err, ErrOfficerNotFound) {
				t.Fatalf("qr submit: expected ErrOfficerNotFound, got %v", err)
			}
			if _, err := f.engine.Submit(ctx, "ABC123EMP007", tc.officer); !errors.Is(err, ErrOfficerNotFound) {
				t.Fatalf("manual submit: expected ErrOfficerNotFound, got %v", err)
			}
			rec, err := f.engine.Confirm(ctx, ConfirmRequest{
				SessionID:  f.session.ID,
				IdentityID: f.employee.ID,
				OfficerID:  tc.officer,
				Method:     MethodQR,
			})
			if !errors.Is(err, ErrOfficerNotFound) {
				t.Fatalf("confirm: expected ErrOfficerNotFound, got rec=%+v err=%v", rec, err)
			}
		})
	}

	redeemed, err := f.engine.Ledger().HasRedeemed(ctx, f.session.ID, f.employee.ID)
	if err != nil {
		t.Fatal(err)
	}
	if redeemed {
		t.Fatal("rejected officers must not leave a record behind")
	}
	if f.pub.count() != 0 {
		t.Fatalf("expected no published events, got %d", f.pub.count())
	}
}

func TestConfirmThenRescanIsAlreadyRedeemed(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	res, err := f.engine.Submit(ctx, f.qr(t, f.employee.ID), f.officer.ID)
	if err != nil || !res.Accepted() {
		t.Fatalf("submit: %+v %v", res, err)
	}
	rec, err := f.engine.Confirm(ctx, ConfirmRequest{
		SessionID:  res.SessionID,
		IdentityID: res.Identity.ID,
		OfficerID:  f.officer.ID,
		Method:     res.Method,
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID == 0 || !rec.PickedAt.Equal(f.clock) {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if f.pub.count() != 1 {
		t.Fatalf("expected one published event, got %d", f.pub.count())
	}

	res, err = f.engine.Submit(ctx, f.qr(t, f.employee.ID), f.officer.ID)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != KindAlreadyRedeemed || res.Identity == nil {
		t.Fatalf("expected already_redeemed with identity, got %+v", res)
	}

	_, err = f.engine.Confirm(ctx, ConfirmRequest{SessionID: f.session.ID, IdentityID: f.employee.ID, OfficerID: f.officer.ID, Method: MethodQR})
	if !errors.Is(err, ErrAlreadyRedeemed) || !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected already redeemed wrapping duplicate, got %v", err)
	}
	if KindOf(err) != KindAlreadyRedeemed {
		t.Fatalf("unexpected kind %q", KindOf(err))
	}
}

func TestConcurrentConfirmExactlyOneWins(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	const n = 32
	var (
		wg       sync.WaitGroup
		wins     atomic.Int32
		losses   atomic.Int32
		start    = make(chan struct{})
		unexpect = make(chan error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.engine.Confirm(ctx, ConfirmRequest{
				SessionID:  f.session.ID,
				IdentityID: f.employee.ID,
				OfficerID:  f.officer.ID,
				Method:     MethodQR,
			})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyRedeemed):
				losses.Add(1)
			default:
				unexpect <- err
			}
		}()
	}
	close(start)
	wg.Wait()
	close(unexpect)

	for err := range unexpect {
		t.Fatalf("unexpected error: %v", err)
	}
	if wins.Load() != 1 || losses.Load() != n-1 {
		t.Fatalf("wins=%d losses=%d", wins.Load(), losses.Load())
	}
	taken, _, _ := f.store.CountRedemptions(ctx, f.session.ID)
	if taken != 1 {
		t.Fatalf("expected one record, got %d", taken)
	}
	if f.obs.conflicts != n-1 {
		t.Fatalf("expected %d conflicts, got %d", n-1, f.obs.conflicts)
	}
}

func TestRaceAfterPrecheckSurfacesAlreadyRedeemed(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	a1, a2 := NewAttempt(), NewAttempt()
	if err := f.engine.Scan(ctx, a1, f.qr(t, f.employee.ID), f.officer.ID); err != nil {
		t.Fatal(err)
	}
	if err := f.engine.Scan(ctx, a2, "ABC123EMP007", f.officer.ID); err != nil {
		t.Fatal(err)
	}
	if a1.State() != StateResolved || a2.State() != StateResolved {
		t.Fatalf("both attempts should pass the pre-check: %s %s", a1.State(), a2.State())
	}

	if _, err := f.engine.ConfirmAttempt(ctx, a1, f.officer.ID, false, ""); err != nil {
		t.Fatal(err)
	}
	_, err := f.engine.ConfirmAttempt(ctx, a2, f.officer.ID, false, "")
	if !errors.Is(err, ErrAlreadyRedeemed) {
		t.Fatalf("expected ErrAlreadyRedeemed, got %v", err)
	}
	if a1.State() != StateConfirmed {
		t.Fatalf("a1 state = %s", a1.State())
	}
	if a2.State() != StateRejected || a2.Result().Kind != KindAlreadyRedeemed {
		t.Fatalf("a2 = %s %+v", a2.State(), a2.Result())
	}
	if rec, ok := a1.Record(); !ok || rec.IdentityID != f.employee.ID {
		t.Fatalf("a1 record missing: %+v", rec)
	}
}

func TestConfirmAttemptOverrideNeedsReason(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	att := NewAttempt()
	if err := f.engine.Scan(ctx, att, f.qr(t, f.employee.ID), f.officer.ID); err != nil {
		t.Fatal(err)
	}
	_, err := f.engine.ConfirmAttempt(ctx, att, f.officer.ID, true, "  ")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if att.State() != StateResolved {
		t.Fatalf("validation failure must leave attempt resolved, got %s", att.State())
	}
	if ok, _ := f.engine.Ledger().HasRedeemed(ctx, f.session.ID, f.employee.ID); ok {
		t.Fatal("no record may be written on validation failure")
	}

	rec, err := f.engine.ConfirmAttempt(ctx, att, f.officer.ID, true, "quota exceeded, approved by supervisor")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Overridden || rec.OverrideReason == "" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestConfirmAttemptFromWrongState(t *testing.T) {
	f := newFixture(t, 10)
	_, err := f.engine.ConfirmAttempt(context.Background(), NewAttempt(), f.officer.ID, false, "")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestConfirmRejectsInactiveSession(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	w, _ := f.store.CreateWindow(ctx, Window{Name: "Dinner"})
	closed, err := f.store.CreateSession(ctx, Session{Date: f.session.Date, WindowID: w.ID, PreparedQty: 5})
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.engine.Confirm(ctx, ConfirmRequest{SessionID: closed.ID, IdentityID: f.employee.ID, OfficerID: f.officer.ID, Method: MethodQR})
	if !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestIssueCredential(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	c1, err := f.engine.IssueCredential(ctx, f.employee.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c1.ExpiresAtUnix != f.clock.Add(600*time.Second).Unix() {
		t.Fatalf("unexpected expiry %d", c1.ExpiresAtUnix)
	}
	f.clock = f.clock.Add(time.Second)
	c2, err := f.engine.IssueCredential(ctx, f.employee.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c1.Token == c2.Token {
		t.Fatal("expected distinct tokens")
	}
	for _, tok := range []string{c1.Token, c2.Token} {
		res, err := f.engine.Submit(ctx, tok, f.officer.ID)
		if err != nil || !res.Accepted() {
			t.Fatalf("both credentials should verify: %+v %v", res, err)
		}
	}

	inactive := mustIdentity(t, f.store, Identity{Name: "Gone", EmployeeCode: "EMP404"})
	if _, err := f.engine.IssueCredential(ctx, inactive.ID); !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("expected ErrIdentityNotFound, got %v", err)
	}
}

func TestActiveSessionCapacityAndList(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	if _, err := f.engine.Confirm(ctx, ConfirmRequest{SessionID: f.session.ID, IdentityID: f.employee.ID, OfficerID: f.officer.ID, Method: MethodQR}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Confirm(ctx, ConfirmRequest{SessionID: f.session.ID, IdentityID: f.officer.ID, OfficerID: f.officer.ID, Method: MethodManual, Overridden: true, OverrideReason: "late"}); err != nil {
		t.Fatal(err)
	}
	sc, err := f.engine.ActiveSessionCapacity(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := Capacity{Prepared: 2, Taken: 2, Remaining: 0, Overrides: 1, Progress: 100}
	if sc.Capacity != want || sc.Session.ID != f.session.ID {
		t.Fatalf("unexpected capacity: %+v", sc)
	}

	recs, err := f.engine.ListRedemptions(ctx, f.session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if _, err := f.engine.ListRedemptions(ctx, 999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestActiveSessionCapacityNone(t *testing.T) {
	e, err := NewEngine(newFixture(t, 1).codec, NewInMemory())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.ActiveSessionCapacity(context.Background()); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}
}

func TestCorrectAndVoid(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	other := mustIdentity(t, f.store, Identity{Name: "Sari", EmployeeCode: "EMP008", Active: true})

	r1, err := f.engine.Confirm(ctx, ConfirmRequest{SessionID: f.session.ID, IdentityID: f.employee.ID, OfficerID: f.officer.ID, Method: MethodQR})
	if err != nil {
		t.Fatal(err)
	}
	r2, err := f.engine.Confirm(ctx, ConfirmRequest{SessionID: f.session.ID, IdentityID: other.ID, OfficerID: f.officer.ID, Method: MethodQR})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.engine.CorrectRedemption(ctx, r2.ID, Correction{IdentityID: f.employee.ID, Reason: "wrong person"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if _, err := f.engine.CorrectRedemption(ctx, r2.ID, Correction{Method: MethodManual}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	fixed, err := f.engine.CorrectRedemption(ctx, r2.ID, Correction{Method: MethodManual, Reason: "typed by hand"})
	if err != nil {
		t.Fatal(err)
	}
	if fixed.Method != MethodManual || fixed.CorrectionReason != "typed by hand" {
		t.Fatalf("unexpected correction: %+v", fixed)
	}

	if err := f.engine.VoidRedemption(ctx, r1.ID, ""); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if err := f.engine.VoidRedemption(ctx, r1.ID, "scanned by mistake"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.engine.Confirm(ctx, ConfirmRequest{SessionID: f.session.ID, IdentityID: f.employee.ID, OfficerID: f.officer.ID, Method: MethodQR}); err != nil {
		t.Fatalf("voided slot should be free again: %v", err)
	}
	if err := f.engine.VoidRedemption(ctx, r1.ID, "again"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{errors.New("boom"), KindNone},
		{ErrMalformedCredential, KindMalformed},
		{ErrDuplicate, KindDuplicate},
		{ErrValidation, KindValidation},
		{ErrNoActiveSession, KindNoActiveSession},
		{ErrAlreadyRedeemed, KindAlreadyRedeemed},
		{errors.Join(ErrAlreadyRedeemed, ErrDuplicate), KindAlreadyRedeemed},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("KindOf(%v)=%q, want %q", tc.err, got, tc.want)
		}
	}
}

func flipLast(s string) string {
	last := s[len(s)-1]
	if last == '0' {
		return s[:len(s)-1] + "1"
	}
	return s[:len(s)-1] + "0"
}
