package pg

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ahsinil/meal-pass/internal/redemption"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

var recordCols = []string{"id", "meal_session_id", "identity_id", "officer_id", "picked_at", "method", "overridden", "override_reason", "correction_reason", "deleted_at"}

func TestInsertRedemption(t *testing.T) {
	store, mock := newMock(t)
	picked := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("insert into redemptions(meal_session_id, identity_id, officer_id, picked_at, method, overridden, override_reason)")).
		WithArgs(int64(3), int64(7), int64(1), picked, "qr", true, "late").
		WillReturnRows(sqlmock.NewRows(recordCols).AddRow(int64(11), int64(3), int64(7), int64(1), picked, "qr", true, "late", "", nil))

	rec, err := store.InsertRedemption(context.Background(), redemption.Entry{
		SessionID: 3, IdentityID: 7, OfficerID: 1, PickedAt: picked, Method: redemption.MethodQR,
		Overridden: true, OverrideReason: "late",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if rec.ID != 11 || rec.Method != redemption.MethodQR || !rec.Overridden || rec.DeletedAt != nil {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsertRedemptionUniqueViolation(t *testing.T) {
	store, mock := newMock(t)

	mock.ExpectQuery("insert into redemptions").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "redemptions_live_uq"})

	_, err := store.InsertRedemption(context.Background(), redemption.Entry{
		SessionID: 3, IdentityID: 7, OfficerID: 1, PickedAt: time.Now(), Method: redemption.MethodManual,
	})
	if !errors.Is(err, redemption.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestInsertRedemptionForeignKey(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("insert into redemptions").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation, ConstraintName: "redemptions_meal_session_id_fkey"})

	_, err := store.InsertRedemption(context.Background(), redemption.Entry{SessionID: 99, IdentityID: 7, OfficerID: 1, Method: redemption.MethodQR})
	if !errors.Is(err, redemption.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHasRedemption(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(`select exists\(`).
		WithArgs(int64(3), int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.HasRedemption(context.Background(), 3, 7)
	if err != nil || !ok {
		t.Fatalf("expected true, got %v %v", ok, err)
	}
}

func TestActiveSession(t *testing.T) {
	store, mock := newMock(t)
	date := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`from meal_sessions s\s+join meal_windows w on w.id = s.meal_window_id\s+where s.is_active\s+order by s.date desc, s.id desc`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "date", "meal_window_id", "prepared_qty", "is_active", "notes", "wid", "name", "start", "end", "location"}).
			AddRow(int64(5), date, int64(2), 200, true, "", int64(2), "Lunch", "11:30", "13:30", "Canteen"))

	sess, err := store.ActiveSession(context.Background())
	if err != nil {
		t.Fatalf("active session: %v", err)
	}
	if sess.ID != 5 || sess.PreparedQty != 200 || sess.Window.Name != "Lunch" {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestActiveSessionNone(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("from meal_sessions").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.ActiveSession(context.Background())
	if !errors.Is(err, redemption.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCountRedemptions(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(`count\(\*\) filter \(where overridden\)`).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"taken", "overrides"}).AddRow(205, 6))

	taken, overrides, err := store.CountRedemptions(context.Background(), 5)
	if err != nil || taken != 205 || overrides != 6 {
		t.Fatalf("unexpected counts: %d %d %v", taken, overrides, err)
	}
}

func TestIdentityByEmployeeCodeNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(`where lower\(employee_code\) = lower\(\$1\) and active`).
		WithArgs("EMP404").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.IdentityByEmployeeCode(context.Background(), " EMP404 ")
	if !errors.Is(err, redemption.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSoftDeleteRedemption(t *testing.T) {
	store, mock := newMock(t)
	at := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)

	mock.ExpectExec(`update redemptions set deleted_at=\$2, correction_reason=\$3`).
		WithArgs(int64(11), at, "mistake").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`update redemptions set deleted_at`).
		WithArgs(int64(11), at, "again").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.SoftDeleteRedemption(context.Background(), 11, "mistake", at); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	if err := store.SoftDeleteRedemption(context.Background(), 11, "again", at); !errors.Is(err, redemption.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCorrectRedemptionDuplicate(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery(`update redemptions set`).
		WithArgs(int64(11), int64(0), int64(8), "", "swap").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	_, err := store.CorrectRedemption(context.Background(), 11, redemption.Correction{IdentityID: 8, Reason: "swap"})
	if !errors.Is(err, redemption.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestCorrectRedemptionWideIDs(t *testing.T) {
	store, mock := newMock(t)
	picked := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	const session, identity = int64(1) << 33, int64(1)<<33 + 5

	mock.ExpectQuery(regexp.QuoteMeta("coalesce(nullif($2::bigint, 0), meal_session_id)") + `(?s).*` +
		regexp.QuoteMeta("coalesce(nullif($3::bigint, 0), identity_id)")).
		WithArgs(int64(11), session, identity, "", "reassign").
		WillReturnRows(sqlmock.NewRows(recordCols).AddRow(int64(11), session, identity, int64(1), picked, "qr", false, "", "reassign", nil))

	rec, err := store.CorrectRedemption(context.Background(), 11, redemption.Correction{SessionID: session, IdentityID: identity, Reason: "reassign"})
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if rec.SessionID != session || rec.IdentityID != identity || rec.CorrectionReason != "reassign" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateIdentityConflict(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("insert into identities").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "identities_employee_code_uq"})

	_, err := store.CreateIdentity(context.Background(), redemption.Identity{Name: "A", EmployeeCode: "EMP007"})
	if !errors.Is(err, redemption.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}
