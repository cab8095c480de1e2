// Package sqlite provides a single-node SQLite store for stations that run
// without a Postgres server.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/ahsinil/meal-pass/internal/redemption"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const dateLayout = "2006-01-02"

// goose keeps its base FS and dialect in package globals.
var gooseMu sync.Mutex

// Store persists redemption state in SQLite.
type Store struct {
	db *sql.DB
}

var (
	_ redemption.Store       = (*Store)(nil)
	_ redemption.Provisioner = (*Store)(nil)
)

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the database at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; the partial unique index is still what rejects
	// the losing insert.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// --- identities ---

const identityColumns = `id, name, employee_code, pickup_code, department, phone, role, active, password_hash`

func (s *Store) CreateIdentity(ctx context.Context, id redemption.Identity) (redemption.Identity, error) {
	id.EmployeeCode = strings.TrimSpace(id.EmployeeCode)
	if id.EmployeeCode == "" {
		return redemption.Identity{}, fmt.Errorf("%w: employee code is required", redemption.ErrValidation)
	}
	if id.Role == "" {
		id.Role = redemption.RoleEmployee
	}
	id.PickupCode = strings.ToUpper(id.PickupCode)
	res, err := s.db.ExecContext(ctx, `
		insert into identities(name, employee_code, pickup_code, department, phone, role, active, password_hash, updated_at)
		values (?,?,?,?,?,?,?,?,?)
	`, id.Name, id.EmployeeCode, id.PickupCode, id.Department, id.Phone, string(id.Role), id.Active, id.PasswordHash, toMillis(time.Now()))
	if err != nil {
		return redemption.Identity{}, mapError(err)
	}
	if id.ID, err = res.LastInsertId(); err != nil {
		return redemption.Identity{}, err
	}
	return id, nil
}

func (s *Store) IdentityByID(ctx context.Context, id int64) (redemption.Identity, error) {
	return scanIdentity(s.db.QueryRowContext(ctx, `select `+identityColumns+` from identities where id = ?`, id))
}

func (s *Store) IdentityByEmployeeCode(ctx context.Context, code string) (redemption.Identity, error) {
	return scanIdentity(s.db.QueryRowContext(ctx, `
		select `+identityColumns+` from identities
		where lower(employee_code) = lower(?) and active = 1
	`, strings.TrimSpace(code)))
}

func (s *Store) SetPickupCode(ctx context.Context, id int64, code string) error {
	res, err := s.db.ExecContext(ctx, `update identities set pickup_code = ?, updated_at = ? where id = ?`,
		strings.ToUpper(code), toMillis(time.Now()), id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (s *Store) ListIdentityIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `select id from identities order by id`)
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
	res, err := s.db.ExecContext(ctx, `insert into meal_windows(name, start_time, end_time, location) values (?,?,?,?)`,
		w.Name, w.StartTime, w.EndTime, w.Location)
	if err != nil {
		return redemption.Window{}, mapError(err)
	}
	if w.ID, err = res.LastInsertId(); err != nil {
		return redemption.Window{}, err
	}
	return w, nil
}

func (s *Store) CreateSession(ctx context.Context, sess redemption.Session) (redemption.Session, error) {
	if sess.PreparedQty < 0 {
		return redemption.Session{}, fmt.Errorf("%w: prepared quantity must be >= 0", redemption.ErrValidation)
	}
	res, err := s.db.ExecContext(ctx, `
		insert into meal_sessions(date, meal_window_id, prepared_qty, is_active, notes) values (?,?,?,?,?)
	`, sess.Date.UTC().Format(dateLayout), sess.WindowID, sess.PreparedQty, sess.IsActive, sess.Notes)
	if err != nil {
		return redemption.Session{}, mapError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return redemption.Session{}, err
	}
	return s.SessionByID(ctx, id)
}

const sessionSelect = `
	select s.id, s.date, s.meal_window_id, s.prepared_qty, s.is_active, s.notes,
	       w.id, w.name, w.start_time, w.end_time, w.location
	from meal_sessions s
	join meal_windows w on w.id = s.meal_window_id
`

func (s *Store) ActiveSession(ctx context.Context) (redemption.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, sessionSelect+`
		where s.is_active = 1
		order by s.date desc, s.id desc
		limit 1
	`))
}

func (s *Store) SessionByID(ctx context.Context, id int64) (redemption.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx, sessionSelect+` where s.id = ?`, id))
}

func (s *Store) CountRedemptions(ctx context.Context, sessionID int64) (int, int, error) {
	var taken, overrides int
	err := s.db.QueryRowContext(ctx, `
		select count(*), coalesce(sum(overridden), 0)
		from redemptions
		where meal_session_id = ? and deleted_at is null
	`, sessionID).Scan(&taken, &overrides)
	return taken, overrides, err
}

// --- redemptions ---

const recordColumns = `id, meal_session_id, identity_id, officer_id, picked_at, method, overridden,
	coalesce(override_reason, ''), coalesce(correction_reason, ''), deleted_at`

func (s *Store) HasRedemption(ctx context.Context, sessionID, identityID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from redemptions where meal_session_id = ? and identity_id = ? and deleted_at is null)
	`, sessionID, identityID).Scan(&exists)
	return exists, err
}

func (s *Store) InsertRedemption(ctx context.Context, e redemption.Entry) (redemption.Record, error) {
	res, err := s.db.ExecContext(ctx, `
		insert into redemptions(meal_session_id, identity_id, officer_id, picked_at, method, overridden, override_reason)
		values (?,?,?,?,?,?,nullif(?, ''))
	`, e.SessionID, e.IdentityID, e.OfficerID, toMillis(e.PickedAt), string(e.Method), e.Overridden, e.OverrideReason)
	if err != nil {
		return redemption.Record{}, mapError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return redemption.Record{}, err
	}
	return s.RedemptionByID(ctx, id)
}

func (s *Store) ListRedemptions(ctx context.Context, sessionID int64) ([]redemption.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+recordColumns+` from redemptions
		where meal_session_id = ? and deleted_at is null
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
	return scanRecord(s.db.QueryRowContext(ctx, `
		select `+recordColumns+` from redemptions where id = ? and deleted_at is null
	`, id))
}

func (s *Store) CorrectRedemption(ctx context.Context, id int64, c redemption.Correction) (redemption.Record, error) {
	res, err := s.db.ExecContext(ctx, `
		update redemptions set
			meal_session_id   = coalesce(nullif(?, 0), meal_session_id),
			identity_id       = coalesce(nullif(?, 0), identity_id),
			method            = coalesce(nullif(?, ''), method),
			correction_reason = ?
		where id = ? and deleted_at is null
	`, c.SessionID, c.IdentityID, string(c.Method), c.Reason, id)
	if err != nil {
		return redemption.Record{}, mapError(err)
	}
	if err := expectAffected(res); err != nil {
		return redemption.Record{}, err
	}
	return s.RedemptionByID(ctx, id)
}

func (s *Store) SoftDeleteRedemption(ctx context.Context, id int64, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update redemptions set deleted_at = ?, correction_reason = ? where id = ? and deleted_at is null
	`, toMillis(at), reason, id)
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
	return id, nil
}

func scanSession(row rowScanner) (redemption.Session, error) {
	var (
		sess redemption.Session
		date string
	)
	err := row.Scan(&sess.ID, &date, &sess.WindowID, &sess.PreparedQty, &sess.IsActive, &sess.Notes,
		&sess.Window.ID, &sess.Window.Name, &sess.Window.StartTime, &sess.Window.EndTime, &sess.Window.Location)
	if errors.Is(err, sql.ErrNoRows) {
		return redemption.Session{}, redemption.ErrNotFound
	}
	if err != nil {
		return redemption.Session{}, err
	}
	if sess.Date, err = time.Parse(dateLayout, date); err != nil {
		return redemption.Session{}, fmt.Errorf("parse session date %q: %w", date, err)
	}
	return sess, nil
}

func scanRecord(row rowScanner) (redemption.Record, error) {
	var (
		rec     redemption.Record
		picked  int64
		method  string
		deleted sql.NullInt64
	)
	err := row.Scan(&rec.ID, &rec.SessionID, &rec.IdentityID, &rec.OfficerID, &picked, &method,
		&rec.Overridden, &rec.OverrideReason, &rec.CorrectionReason, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return redemption.Record{}, redemption.ErrNotFound
	}
	if err != nil {
		return redemption.Record{}, err
	}
	rec.PickedAt = fromMillis(picked)
	rec.Method = redemption.Method(method)
	if deleted.Valid {
		t := fromMillis(deleted.Int64)
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

func mapError(err error) error {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
		return fmt.Errorf("%w: %s", redemption.ErrDuplicate, sqliteErr.Error())
	case sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY:
		return fmt.Errorf("%w: %s", redemption.ErrNotFound, sqliteErr.Error())
	case sqlite3lib.SQLITE_CONSTRAINT_CHECK:
		return fmt.Errorf("%w: %s", redemption.ErrValidation, sqliteErr.Error())
	default:
		return err
	}
}
