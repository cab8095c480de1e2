package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ahsinil/meal-pass/internal/redemption"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrCheckViolation      = "23514"
)

type Store struct {
	db *sql.DB
}

var (
	_ redemption.Store       = (*Store)(nil)
	_ redemption.Provisioner = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle; used with sqlmock.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// --- identities ---

const identityColumns = `id, name, employee_code, pickup_code, department, phone, role, active, password_hash`

func (s *Store) CreateIdentity(ctx context.Context, id redemption.Identity) (redemption.Identity, error) {
	if strings.TrimSpace(id.EmployeeCode) == "" {
		return redemption.Identity{}, fmt.Errorf("%w: employee code is required", redemption.ErrValidation)
	}
	if id.Role == "" {
		id.Role = redemption.RoleEmployee
	}
	id.EmployeeCode = strings.TrimSpace(id.EmployeeCode)
	id.PickupCode = strings.ToUpper(id.PickupCode)
	err := s.db.QueryRowContext(ctx, `
		insert into identities(name, employee_code, pickup_code, department, phone, role, active, password_hash)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
		returning id
	`, id.Name, id.EmployeeCode, id.PickupCode, id.Department, id.Phone, string(id.Role), id.Active, id.PasswordHash).Scan(&id.ID)
	if err != nil {
		return redemption.Identity{}, mapError(err)
	}
	return id, nil
}

func (s *Store) IdentityByID(ctx context.Context, id int64) (redemption.Identity, error) {
	row := s.db.QueryRowContext(ctx, `select `+identityColumns+` from identities where id=$1`, id)
	return scanIdentity(row)
}

func (s *Store) IdentityByEmployeeCode(ctx context.Context, code string) (redemption.Identity, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+identityColumns+`
		from identities
		where lower(employee_code) = lower($1) and active
	`, strings.TrimSpace(code))
	return scanIdentity(row)
}

func (s *Store) SetPickupCode(ctx context.Context, id int64, code string) error {
	res, err := s.db.ExecContext(ctx, `
		update identities set pickup_code=$2, updated_at=now() where id=$1
	`, id, strings.ToUpper(code))
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) ListIdentityIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `select id from identities order by id asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- windows & sessions ---

func (s *Store) CreateWindow(ctx context.Context, w redemption.Window) (redemption.Window, error) {
	err := s.db.QueryRowContext(ctx, `
		insert into meal_windows(name, start_time, end_time, location)
		values ($1,$2,$3,$4)
		returning id
	`, w.Name, w.StartTime, w.EndTime, w.Location).Scan(&w.ID)
	if err != nil {
		return redemption.Window{}, mapError(err)
	}
	return w, nil
}

func (s *Store) CreateSession(ctx context.Context, sess redemption.Session) (redemption.Session, error) {
	if sess.PreparedQty < 0 {
		return redemption.Session{}, fmt.Errorf("%w: prepared quantity must be >= 0", redemption.ErrValidation)
	}
	var id int64
	err := s.db.QueryRowContext(ctx, `
		insert into meal_sessions(date, meal_window_id, prepared_qty, is_active, notes)
		values ($1,$2,$3,$4,$5)
		returning id
	`, sess.Date, sess.WindowID, sess.PreparedQty, sess.IsActive, sess.Notes).Scan(&id)
	if err != nil {
		return redemption.Session{}, mapError(err)
	}
	return s.SessionByID(ctx, id)
}

const sessionSelect = `
	select s.id, s.date, s.meal_window_id, s.prepared_qty, s.is_active, s.notes,
	       w.id, w.name, to_char(w.start_time, 'HH24:MI'), to_char(w.end_time, 'HH24:MI'), w.location
	from meal_sessions s
	join meal_windows w on w.id = s.meal_window_id
`

func (s *Store) ActiveSession(ctx context.Context) (redemption.Session, error) {
	row := s.db.QueryRowContext(ctx, sessionSelect+`
		where s.is_active
		order by s.date desc, s.id desc
		limit 1
	`)
	return scanSession(row)
}

func (s *Store) SessionByID(ctx context.Context, id int64) (redemption.Session, error) {
	row := s.db.QueryRowContext(ctx, sessionSelect+` where s.id=$1`, id)
	return scanSession(row)
}

func (s *Store) CountRedemptions(ctx context.Context, sessionID int64) (int, int, error) {
	var taken, overrides int
	err := s.db.QueryRowContext(ctx, `
		select count(*), count(*) filter (where overridden)
		from redemptions
		where meal_session_id=$1 and deleted_at is null
	`, sessionID).Scan(&taken, &overrides)
	if err != nil {
		return 0, 0, err
	}
	return taken, overrides, nil
}

// --- redemptions ---

const recordColumns = `id, meal_session_id, identity_id, officer_id, picked_at, method, overridden,
	coalesce(override_reason,''), coalesce(correction_reason,''), deleted_at`

func (s *Store) HasRedemption(ctx context.Context, sessionID, identityID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		select exists(
			select 1 from redemptions
			where meal_session_id=$1 and identity_id=$2 and deleted_at is null
		)
	`, sessionID, identityID).Scan(&exists)
	return exists, err
}

// InsertRedemption relies on the partial unique index
// redemptions_live_uq(meal_session_id, identity_id) where deleted_at is null.
func (s *Store) InsertRedemption(ctx context.Context, e redemption.Entry) (redemption.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		insert into redemptions(meal_session_id, identity_id, officer_id, picked_at, method, overridden, override_reason)
		values ($1,$2,$3,$4,$5,$6,nullif($7,''))
		returning `+recordColumns,
		e.SessionID, e.IdentityID, e.OfficerID, e.PickedAt, string(e.Method), e.Overridden, e.OverrideReason)
	rec, err := scanRecord(row)
	if err != nil {
		return redemption.Record{}, mapError(err)
	}
	return rec, nil
}

func (s *Store) ListRedemptions(ctx context.Context, sessionID int64) ([]redemption.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+recordColumns+`
		from redemptions
		where meal_session_id=$1 and deleted_at is null
		order by picked_at desc, id desc
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []redemption.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) RedemptionByID(ctx context.Context, id int64) (redemption.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+recordColumns+` from redemptions where id=$1 and deleted_at is null
	`, id)
	return scanRecord(row)
}

func (s *Store) CorrectRedemption(ctx context.Context, id int64, c redemption.Correction) (redemption.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		update redemptions set
			meal_session_id   = coalesce(nullif($2::bigint, 0), meal_session_id),
			identity_id       = coalesce(nullif($3::bigint, 0), identity_id),
			method            = coalesce(nullif($4, ''), method),
			correction_reason = $5
		where id=$1 and deleted_at is null
		returning `+recordColumns,
		id, c.SessionID, c.IdentityID, string(c.Method), c.Reason)
	rec, err := scanRecord(row)
	if err != nil {
		return redemption.Record{}, mapError(err)
	}
	return rec, nil
}

func (s *Store) SoftDeleteRedemption(ctx context.Context, id int64, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update redemptions set deleted_at=$2, correction_reason=$3
		where id=$1 and deleted_at is null
	`, id, at, reason)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (redemption.Identity, error) {
	var (
		id   redemption.Identity
		role string
	)
	err := row.Scan(&id.ID, &id.Name, &id.EmployeeCode, &id.PickupCode, &id.Department, &id.Phone, &role, &id.Active, &id.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return redemption.Identity{}, redemption.ErrNotFound
	}
	if err != nil {
		return redemption.Identity{}, err
	}
	id.Role = redemption.Role(role)
	id.PickupCode = strings.TrimSpace(id.PickupCode)
	return id, nil
}

func scanSession(row rowScanner) (redemption.Session, error) {
	var sess redemption.Session
	err := row.Scan(&sess.ID, &sess.Date, &sess.WindowID, &sess.PreparedQty, &sess.IsActive, &sess.Notes,
		&sess.Window.ID, &sess.Window.Name, &sess.Window.StartTime, &sess.Window.EndTime, &sess.Window.Location)
	if errors.Is(err, sql.ErrNoRows) {
		return redemption.Session{}, redemption.ErrNotFound
	}
	if err != nil {
		return redemption.Session{}, err
	}
	return sess, nil
}

func scanRecord(row rowScanner) (redemption.Record, error) {
	var (
		rec     redemption.Record
		method  string
		deleted sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.IdentityID, &rec.OfficerID, &rec.PickedAt, &method,
		&rec.Overridden, &rec.OverrideReason, &rec.CorrectionReason, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return redemption.Record{}, redemption.ErrNotFound
	}
	if err != nil {
		return redemption.Record{}, err
	}
	rec.Method = redemption.Method(method)
	rec.PickedAt = rec.PickedAt.UTC()
	if deleted.Valid {
		t := deleted.Time.UTC()
		rec.DeletedAt = &t
	}
	return rec, nil
}

func expectAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return redemption.ErrNotFound
	}
	return nil
}

// mapError translates constraint violations into domain errors.
func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return redemption.ErrNotFound
	}
	pgErr, ok := maybePgError(err)
	if !ok {
		return err
	}
	switch pgErr.Code {
	case pgErrUniqueViolation:
		return fmt.Errorf("%w: %s", redemption.ErrDuplicate, pgErr.ConstraintName)
	case pgErrForeignKeyViolation:
		return fmt.Errorf("%w: %s", redemption.ErrNotFound, pgErr.ConstraintName)
	case pgErrCheckViolation:
		return fmt.Errorf("%w: %s", redemption.ErrValidation, pgErr.ConstraintName)
	default:
		return err
	}
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
