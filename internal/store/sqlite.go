package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/watchdeer/watchdeer/internal/domain"
)

// SQLite is the embedded file-backed Store implementation selected when
// the CLI's --db flag names a filesystem path (spec.md §6). SQLite's
// single-writer model plus BEGIN IMMEDIATE transactions gives ListDue
// the atomicity the contract requires without any external locking.
type SQLite struct {
	db *sqlx.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS service (
	service_id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS check_def (
	check_id INTEGER PRIMARY KEY AUTOINCREMENT,
	service_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	target TEXT NOT NULL,
	interval_seconds INTEGER NOT NULL,
	disabled INTEGER NOT NULL DEFAULT 0,
	data TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'idle',
	next_check_time INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS result (
	result_id INTEGER PRIMARY KEY AUTOINCREMENT,
	check_id INTEGER NOT NULL,
	status TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_result_check_created ON result(check_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_result_created ON result(created_at);
CREATE INDEX IF NOT EXISTS idx_check_due ON check_def(disabled, status, next_check_time);
`

// OpenSQLite opens (creating if absent) the SQLite database at path and
// ensures its schema exists.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1) // sqlite has one writer; avoid pool contention on BEGIN IMMEDIATE

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrate sqlite schema")
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

type checkRow struct {
	CheckID         int64  `db:"check_id"`
	ServiceID       int64  `db:"service_id"`
	Name            string `db:"name"`
	Kind            string `db:"kind"`
	Target          string `db:"target"`
	IntervalSeconds int64  `db:"interval_seconds"`
	Disabled        bool   `db:"disabled"`
	Data            string `db:"data"`
	Status          string `db:"status"`
	NextCheckTime   int64  `db:"next_check_time"`
	CreatedAt       int64  `db:"created_at"`
}

func (r checkRow) toDomain() domain.Check {
	return domain.Check{
		ID:              r.CheckID,
		ServiceID:       r.ServiceID,
		Name:            r.Name,
		Kind:            domain.Kind(r.Kind),
		Target:          r.Target,
		IntervalSeconds: r.IntervalSeconds,
		Disabled:        r.Disabled,
		Data:            json.RawMessage(r.Data),
		Status:          domain.CheckStatus(r.Status),
		NextCheckTime:   r.NextCheckTime,
		CreatedAt:       r.CreatedAt,
	}
}

func (s *SQLite) ListDue(ctx context.Context, now int64, limit int) ([]domain.Check, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, wrapErr("ListDue", err)
	}
	defer tx.Rollback()

	var rows []checkRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT check_id, service_id, name, kind, target, interval_seconds,
		       disabled, data, status, next_check_time, created_at
		FROM check_def
		WHERE disabled = 0 AND status != 'processing' AND next_check_time <= ?
		ORDER BY next_check_time ASC, check_id ASC
		LIMIT ?`, now, limit)
	if err != nil {
		return nil, wrapErr("ListDue", err)
	}

	if len(rows) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]interface{}, len(rows))
	placeholders := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.CheckID
		placeholders[i] = "?"
	}
	q := fmt.Sprintf(`UPDATE check_def SET status = 'processing' WHERE check_id IN (%s)`, strings.Join(placeholders, ","))
	if _, err := tx.ExecContext(ctx, q, ids...); err != nil {
		return nil, wrapErr("ListDue", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapErr("ListDue", err)
	}

	out := make([]domain.Check, len(rows))
	for i, r := range rows {
		r.Status = "processing"
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *SQLite) AddResultAndAdvance(ctx context.Context, result domain.Result, checkID int64, nextCheckTime int64) (domain.Result, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Result{}, wrapErr("AddResultAndAdvance", err)
	}
	defer tx.Rollback()

	payload := result.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO result (check_id, status, payload, created_at) VALUES (?, ?, ?, ?)`,
		checkID, string(result.Status), string(payload), result.CreatedAt)
	if err != nil {
		return domain.Result{}, wrapErr("AddResultAndAdvance", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Result{}, wrapErr("AddResultAndAdvance", err)
	}

	r, err := tx.ExecContext(ctx, `
		UPDATE check_def SET status = 'idle', next_check_time = ? WHERE check_id = ?`,
		nextCheckTime, checkID)
	if err != nil {
		return domain.Result{}, wrapErr("AddResultAndAdvance", err)
	}
	affected, err := r.RowsAffected()
	if err != nil {
		return domain.Result{}, wrapErr("AddResultAndAdvance", err)
	}
	if affected == 0 {
		return domain.Result{}, wrapErr("AddResultAndAdvance", ErrCheckNotFound)
	}

	if err := tx.Commit(); err != nil {
		return domain.Result{}, wrapErr("AddResultAndAdvance", err)
	}

	result.ID = id
	result.CheckID = checkID
	result.Payload = payload
	return result, nil
}

func (s *SQLite) RecentResults(ctx context.Context, checkID int64, n int) ([]domain.Result, error) {
	type row struct {
		ResultID  int64  `db:"result_id"`
		CheckID   int64  `db:"check_id"`
		Status    string `db:"status"`
		Payload   string `db:"payload"`
		CreatedAt int64  `db:"created_at"`
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
		SELECT result_id, check_id, status, payload, created_at
		FROM result WHERE check_id = ?
		ORDER BY created_at DESC, result_id DESC
		LIMIT ?`, checkID, n)
	if err != nil {
		return nil, wrapErr("RecentResults", err)
	}

	out := make([]domain.Result, len(rows))
	for i, r := range rows {
		out[i] = domain.Result{
			ID:        r.ResultID,
			CheckID:   r.CheckID,
			Status:    domain.ResultStatus(r.Status),
			Payload:   json.RawMessage(r.Payload),
			CreatedAt: r.CreatedAt,
		}
	}
	return out, nil
}

func (s *SQLite) DeleteResultsOlderThan(ctx context.Context, cutoff int64, batchLimit int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM result WHERE result_id IN (
			SELECT r.result_id FROM result r
			WHERE r.created_at < ?
			AND r.result_id != (
				SELECT r2.result_id FROM result r2
				WHERE r2.check_id = r.check_id
				ORDER BY r2.created_at DESC, r2.result_id DESC
				LIMIT 1
			)
			LIMIT ?
		)`, cutoff, batchLimit)
	if err != nil {
		return 0, wrapErr("DeleteResultsOlderThan", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("DeleteResultsOlderThan", err)
	}
	return int(n), nil
}

func (s *SQLite) ReconcileStuckChecks(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE check_def SET status = 'idle' WHERE status = 'processing'`)
	if err != nil {
		return 0, wrapErr("ReconcileStuckChecks", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("ReconcileStuckChecks", err)
	}
	return int(n), nil
}

func (s *SQLite) CreateCheck(ctx context.Context, c domain.Check) (domain.Check, error) {
	if c.Data == nil {
		c.Data = json.RawMessage("{}")
	}
	if c.Status == "" {
		c.Status = domain.CheckIdle
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO check_def (service_id, name, kind, target, interval_seconds, disabled, data, status, next_check_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ServiceID, c.Name, string(c.Kind), c.Target, c.IntervalSeconds, c.Disabled,
		string(c.Data), string(c.Status), c.NextCheckTime, c.CreatedAt)
	if err != nil {
		return domain.Check{}, wrapErr("CreateCheck", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Check{}, wrapErr("CreateCheck", err)
	}
	c.ID = id
	return c, nil
}

func (s *SQLite) UpdateCheck(ctx context.Context, c domain.Check) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE check_def SET service_id=?, name=?, kind=?, target=?, interval_seconds=?,
			disabled=?, data=?, status=?, next_check_time=?
		WHERE check_id=?`,
		c.ServiceID, c.Name, string(c.Kind), c.Target, c.IntervalSeconds,
		c.Disabled, string(c.Data), string(c.Status), c.NextCheckTime, c.ID)
	if err != nil {
		return wrapErr("UpdateCheck", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("UpdateCheck", err)
	}
	if n == 0 {
		return wrapErr("UpdateCheck", ErrCheckNotFound)
	}
	return nil
}

func (s *SQLite) DeleteCheck(ctx context.Context, checkID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return wrapErr("DeleteCheck", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM check_def WHERE check_id = ?`, checkID)
	if err != nil {
		return wrapErr("DeleteCheck", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapErr("DeleteCheck", err)
	}
	if n == 0 {
		return wrapErr("DeleteCheck", ErrCheckNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM result WHERE check_id = ?`, checkID); err != nil {
		return wrapErr("DeleteCheck", err)
	}
	return wrapErr("DeleteCheck", tx.Commit())
}

func (s *SQLite) GetCheck(ctx context.Context, checkID int64) (domain.Check, error) {
	var r checkRow
	err := s.db.GetContext(ctx, &r, `
		SELECT check_id, service_id, name, kind, target, interval_seconds,
		       disabled, data, status, next_check_time, created_at
		FROM check_def WHERE check_id = ?`, checkID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Check{}, wrapErr("GetCheck", ErrCheckNotFound)
	}
	if err != nil {
		return domain.Check{}, wrapErr("GetCheck", err)
	}
	return r.toDomain(), nil
}

func (s *SQLite) ListChecks(ctx context.Context) ([]domain.Check, error) {
	var rows []checkRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT check_id, service_id, name, kind, target, interval_seconds,
		       disabled, data, status, next_check_time, created_at
		FROM check_def ORDER BY check_id ASC`)
	if err != nil {
		return nil, wrapErr("ListChecks", err)
	}
	out := make([]domain.Check, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *SQLite) ListChecksByService(ctx context.Context, serviceID int64) ([]domain.Check, error) {
	var rows []checkRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT check_id, service_id, name, kind, target, interval_seconds,
		       disabled, data, status, next_check_time, created_at
		FROM check_def WHERE service_id = ? ORDER BY check_id ASC`, serviceID)
	if err != nil {
		return nil, wrapErr("ListChecksByService", err)
	}
	out := make([]domain.Check, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

func (s *SQLite) CreateService(ctx context.Context, svc domain.Service) (domain.Service, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO service (name) VALUES (?)`, svc.Name)
	if err != nil {
		return domain.Service{}, wrapErr("CreateService", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Service{}, wrapErr("CreateService", err)
	}
	svc.ID = id
	return svc, nil
}

func (s *SQLite) GetService(ctx context.Context, serviceID int64) (domain.Service, error) {
	var svc domain.Service
	err := s.db.GetContext(ctx, &svc, `SELECT service_id AS id, name FROM service WHERE service_id = ?`, serviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Service{}, wrapErr("GetService", ErrServiceNotFound)
	}
	if err != nil {
		return domain.Service{}, wrapErr("GetService", err)
	}
	return svc, nil
}

func (s *SQLite) ListServices(ctx context.Context) ([]domain.Service, error) {
	var svcs []domain.Service
	err := s.db.SelectContext(ctx, &svcs, `SELECT service_id AS id, name FROM service ORDER BY service_id ASC`)
	if err != nil {
		return nil, wrapErr("ListServices", err)
	}
	return svcs, nil
}
