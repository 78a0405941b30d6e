// Package db provides the persistent store for the bridge: registered users,
// personal blocks, blocked instances, and the correspondence log. It speaks
// SQLite (the default, file-based) or PostgreSQL depending on the configured
// database URL.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps the SQL database.
type Store struct {
	db     *sql.DB
	driver string
}

// User is a registration row. ReqDate and RevokeDate are nil until set.
type User struct {
	Side       int
	User       string
	ReqDate    *time.Time
	NbReg      int
	Lang       string
	RevokeDate *time.Time
	App        string
	AccID      string
}

// Active reports whether the registration is currently in force.
func (u *User) Active() bool {
	return u != nil && u.RevokeDate == nil
}

// Comm is one delivered-message row. Side is the recipient's side; IDFrom is
// the originating protocol message id and IDTo the delivered one.
type Comm struct {
	Side     int
	User     string
	FromU    string
	FromDate time.Time
	IDFrom   string
	IDTo     string
}

// New opens the database. URLs starting with postgres:// use the PostgreSQL
// driver; anything else is treated as a SQLite file path.
func New(databaseURL string) (*Store, error) {
	driver := "sqlite"
	dsn := databaseURL
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		driver = "postgres"
	} else if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	sqlDB, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == "sqlite" {
		// modernc sqlite is not safe for concurrent writers on one file.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: sqlDB, driver: driver}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// rebind rewrites ? placeholders to $1..$n for PostgreSQL.
func (s *Store) rebind(q string) string {
	if s.driver != "postgres" {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		side INTEGER NOT NULL,
		usr TEXT NOT NULL,
		req_date TIMESTAMP,
		nb_reg INTEGER NOT NULL DEFAULT 0,
		lang TEXT NOT NULL DEFAULT '',
		revoke_date TIMESTAMP,
		app TEXT NOT NULL DEFAULT '',
		acc_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (side, usr)
	)`,
	`CREATE TABLE IF NOT EXISTS blocks (
		side INTEGER NOT NULL,
		usr TEXT NOT NULL,
		blocked TEXT NOT NULL,
		block_date TIMESTAMP NOT NULL,
		PRIMARY KEY (side, usr, blocked)
	)`,
	`CREATE TABLE IF NOT EXISTS instb (
		side INTEGER NOT NULL,
		blocked TEXT NOT NULL,
		block_date TIMESTAMP NOT NULL,
		PRIMARY KEY (side, blocked)
	)`,
	`CREATE TABLE IF NOT EXISTS comm (
		side INTEGER NOT NULL,
		usr TEXT NOT NULL,
		from_u TEXT NOT NULL,
		from_date TIMESTAMP NOT NULL,
		id_from TEXT NOT NULL,
		id_to TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS comm_id_to ON comm (side, id_to)`,
	`CREATE INDEX IF NOT EXISTS comm_from_u ON comm (side, from_u, from_date)`,
}

// Migrate creates the schema. Safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ─── users ───────────────────────────────────────────────────────────────────

// GetUser returns the registration row, or nil when the user has never
// registered.
func (s *Store) GetUser(ctx context.Context, side int, user string) (*User, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT side, usr, req_date, nb_reg, lang, revoke_date, app, acc_id
		 FROM users WHERE side = ? AND usr = ?`), side, user)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

// InsertUser creates a fresh registration row with nb_reg 0 and no dates.
func (s *Store) InsertUser(ctx context.Context, side int, user, lang, app, accID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO users (side, usr, nb_reg, lang, app, acc_id) VALUES (?, ?, 0, ?, ?, ?)`),
		side, user, lang, app, accID)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// ActivateUser marks the registration active: request date now, registration
// counter incremented, language refreshed, revocation cleared. App and
// account id keep the values recorded at first registration.
func (s *Store) ActivateUser(ctx context.Context, side int, user, lang string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE users SET req_date = ?, nb_reg = nb_reg + 1, lang = ?, revoke_date = NULL
		 WHERE side = ? AND usr = ?`),
		time.Now().UTC(), lang, side, user)
	if err != nil {
		return fmt.Errorf("activate user: %w", err)
	}
	return nil
}

// SetUserLang updates the stored language preference.
func (s *Store) SetUserLang(ctx context.Context, side int, user, lang string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE users SET lang = ? WHERE side = ? AND usr = ?`), lang, side, user)
	if err != nil {
		return fmt.Errorf("set user lang: %w", err)
	}
	return nil
}

// CountActiveUsers counts active registrations across both sides.
func (s *Store) CountActiveUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE revoke_date IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active users: %w", err)
	}
	return n, nil
}

// ListActiveUsers returns all active registrations, newest first.
func (s *Store) ListActiveUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT side, usr, req_date, nb_reg, lang, revoke_date, app, acc_id
		 FROM users WHERE revoke_date IS NULL
		 ORDER BY req_date DESC`)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	return collectUsers(rows)
}

// ListActiveUsersOnDomain returns active registrations on side whose address
// is on the given domain.
func (s *Store) ListActiveUsersOnDomain(ctx context.Context, side int, domain string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT side, usr, req_date, nb_reg, lang, revoke_date, app, acc_id
		 FROM users WHERE side = ? AND revoke_date IS NULL
		 AND usr LIKE ? ORDER BY usr`), side, "%@"+domain)
	if err != nil {
		return nil, fmt.Errorf("list users on domain: %w", err)
	}
	return collectUsers(rows)
}

// ListRevokedBefore returns users on side revoked before the cutoff, for the
// retention sweep.
func (s *Store) ListRevokedBefore(ctx context.Context, side int, cutoff time.Time) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT side, usr, req_date, nb_reg, lang, revoke_date, app, acc_id
		 FROM users WHERE side = ? AND revoke_date IS NOT NULL AND revoke_date < ?`),
		side, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list revoked users: %w", err)
	}
	return collectUsers(rows)
}

// RevokeUser revokes a registration and removes the user's dependent data in
// one transaction: their blocks, the correspondence delivered to them, and
// the correspondence they originated on the opposite side.
func (s *Store) RevokeUser(ctx context.Context, side int, user string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("revoke user: %w", err)
	}
	defer tx.Rollback()

	stmts := []struct {
		q    string
		args []any
	}{
		{`UPDATE users SET revoke_date = ? WHERE side = ? AND usr = ?`,
			[]any{time.Now().UTC(), side, user}},
		{`DELETE FROM blocks WHERE side = ? AND usr = ?`, []any{side, user}},
		{`DELETE FROM comm WHERE side = ? AND usr = ?`, []any{side, user}},
		{`DELETE FROM comm WHERE side = ? AND from_u = ?`, []any{1 - side, user}},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, s.rebind(st.q), st.args...); err != nil {
			return fmt.Errorf("revoke user: %w", err)
		}
	}
	return tx.Commit()
}

// DeleteUser removes the user row and any data still referencing it. Used by
// the retention sweep once the revocation grace period has passed.
func (s *Store) DeleteUser(ctx context.Context, side int, user string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	defer tx.Rollback()

	stmts := []struct {
		q    string
		args []any
	}{
		{`DELETE FROM users WHERE side = ? AND usr = ?`, []any{side, user}},
		{`DELETE FROM blocks WHERE side = ? AND usr = ?`, []any{side, user}},
		{`DELETE FROM comm WHERE side = ? AND usr = ?`, []any{side, user}},
		{`DELETE FROM comm WHERE side = ? AND from_u = ?`, []any{1 - side, user}},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, s.rebind(st.q), st.args...); err != nil {
			return fmt.Errorf("delete user: %w", err)
		}
	}
	return tx.Commit()
}

// ─── blocks ──────────────────────────────────────────────────────────────────

// AddBlock records that user on side blocks the opposite-side address.
func (s *Store) AddBlock(ctx context.Context, side int, user, blocked string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO blocks (side, usr, blocked, block_date) VALUES (?, ?, ?, ?)`),
		side, user, blocked, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("add block: %w", err)
	}
	return nil
}

// RemoveBlock deletes a block row; it reports whether one existed.
func (s *Store) RemoveBlock(ctx context.Context, side int, user, blocked string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM blocks WHERE side = ? AND usr = ? AND blocked = ?`), side, user, blocked)
	if err != nil {
		return false, fmt.Errorf("remove block: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HasBlock reports whether user on side blocks the address.
func (s *Store) HasBlock(ctx context.Context, side int, user, blocked string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM blocks WHERE side = ? AND usr = ? AND blocked = ?`),
		side, user, blocked).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has block: %w", err)
	}
	return n > 0, nil
}

// ListBlocks returns the addresses user blocks, newest block first.
func (s *Store) ListBlocks(ctx context.Context, side int, user string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT blocked FROM blocks WHERE side = ? AND usr = ? ORDER BY block_date DESC`), side, user)
	if err != nil {
		return nil, fmt.Errorf("list blocks: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("list blocks: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ─── instance blocks ─────────────────────────────────────────────────────────

// AddInstBlock records an admin-blocked account on side.
func (s *Store) AddInstBlock(ctx context.Context, side int, account string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO instb (side, blocked, block_date) VALUES (?, ?, ?)`),
		side, account, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("add instance block: %w", err)
	}
	return nil
}

// RemoveInstBlock deletes an admin block; it reports whether one existed.
func (s *Store) RemoveInstBlock(ctx context.Context, side int, account string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM instb WHERE side = ? AND blocked = ?`), side, account)
	if err != nil {
		return false, fmt.Errorf("remove instance block: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// HasInstBlock reports whether the account is admin-blocked on side.
func (s *Store) HasInstBlock(ctx context.Context, side int, account string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM instb WHERE side = ? AND blocked = ?`), side, account).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has instance block: %w", err)
	}
	return n > 0, nil
}

// InstBlock is one admin-blocked account.
type InstBlock struct {
	Side    int
	Account string
}

// ListInstBlocks returns every admin block on both sides, newest first.
func (s *Store) ListInstBlocks(ctx context.Context) ([]InstBlock, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT side, blocked FROM instb ORDER BY block_date DESC`)
	if err != nil {
		return nil, fmt.Errorf("list instance blocks: %w", err)
	}
	defer rows.Close()
	var out []InstBlock
	for rows.Next() {
		var b InstBlock
		if err := rows.Scan(&b.Side, &b.Account); err != nil {
			return nil, fmt.Errorf("list instance blocks: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ─── correspondence ──────────────────────────────────────────────────────────

// AddComm records one delivered message.
func (s *Store) AddComm(ctx context.Context, c Comm) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO comm (side, usr, from_u, from_date, id_from, id_to)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		c.Side, c.User, c.FromU, c.FromDate.UTC(), c.IDFrom, c.IDTo)
	if err != nil {
		return fmt.Errorf("add comm: %w", err)
	}
	return nil
}

// FindCommByIDTo returns the delivery row whose delivered id matches, or nil.
func (s *Store) FindCommByIDTo(ctx context.Context, side int, idTo string) (*Comm, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT side, usr, from_u, from_date, id_from, id_to
		 FROM comm WHERE side = ? AND id_to = ? LIMIT 1`), side, idTo)
	c, err := scanComm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// FindCommByIDFrom returns every delivery row for the originating message id.
func (s *Store) FindCommByIDFrom(ctx context.Context, side int, idFrom string) ([]Comm, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT side, usr, from_u, from_date, id_from, id_to
		 FROM comm WHERE side = ? AND id_from = ? ORDER BY usr`), side, idFrom)
	if err != nil {
		return nil, fmt.Errorf("find comm by origin: %w", err)
	}
	return collectComms(rows)
}

// LastCommToUser returns the most recent delivery to user on side, or nil.
func (s *Store) LastCommToUser(ctx context.Context, side int, user string) (*Comm, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT side, usr, from_u, from_date, id_from, id_to
		 FROM comm WHERE side = ? AND usr = ?
		 ORDER BY from_date DESC LIMIT 1`), side, user)
	c, err := scanComm(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// RecentCommFrom returns the most recent deliveries originated by fromU on
// side, newest first, up to limit.
func (s *Store) RecentCommFrom(ctx context.Context, side int, fromU string, limit int) ([]Comm, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT side, usr, from_u, from_date, id_from, id_to
		 FROM comm WHERE side = ? AND from_u = ?
		 ORDER BY from_date DESC LIMIT ?`), side, fromU, limit)
	if err != nil {
		return nil, fmt.Errorf("recent comm from: %w", err)
	}
	return collectComms(rows)
}

// CountCommFromSince counts deliveries originated by fromU on side at or after
// the given time. Used by the send rate limit.
func (s *Store) CountCommFromSince(ctx context.Context, side int, fromU string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(*) FROM comm WHERE side = ? AND from_u = ? AND from_date >= ?`),
		side, fromU, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count comm from: %w", err)
	}
	return n, nil
}

// PurgeCommOlderThan deletes delivery rows on side older than the cutoff.
func (s *Store) PurgeCommOlderThan(ctx context.Context, side int, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM comm WHERE side = ? AND from_date < ?`), side, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge comm: %w", err)
	}
	return res.RowsAffected()
}

// ─── scan helpers ────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (*User, error) {
	var u User
	var req, rev sql.NullTime
	if err := r.Scan(&u.Side, &u.User, &req, &u.NbReg, &u.Lang, &rev, &u.App, &u.AccID); err != nil {
		return nil, err
	}
	if req.Valid {
		t := req.Time.UTC()
		u.ReqDate = &t
	}
	if rev.Valid {
		t := rev.Time.UTC()
		u.RevokeDate = &t
	}
	return &u, nil
}

func collectUsers(rows *sql.Rows) ([]User, error) {
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, *u)
	}
	return out, rows.Err()
}

func scanComm(r rowScanner) (*Comm, error) {
	var c Comm
	if err := r.Scan(&c.Side, &c.User, &c.FromU, &c.FromDate, &c.IDFrom, &c.IDTo); err != nil {
		return nil, err
	}
	c.FromDate = c.FromDate.UTC()
	return &c, nil
}

func collectComms(rows *sql.Rows) ([]Comm, error) {
	defer rows.Close()
	var out []Comm
	for rows.Next() {
		c, err := scanComm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comm: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
