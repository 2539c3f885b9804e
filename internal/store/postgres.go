package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/watchdeer/watchdeer/internal/domain"
)

// Postgres is the Store implementation selected when --db is a
// postgres:// DSN. It reuses the teacher's pgx driver, retargeted from a
// Timescale metrics table at the check/result/service schema of
// spec.md §6, and leans on `FOR UPDATE SKIP LOCKED` for the ListDue
// critical section instead of SQLite's single-writer serialization.
type Postgres struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS service (
	service_id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS check_def (
	check_id BIGSERIAL PRIMARY KEY,
	service_id BIGINT NOT NULL,
	name TEXT NOT NULL,
	kind TEXT NOT NULL,
	target TEXT NOT NULL,
	interval_seconds BIGINT NOT NULL,
	disabled BOOLEAN NOT NULL DEFAULT false,
	data JSONB NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'idle',
	next_check_time BIGINT NOT NULL DEFAULT 0,
	created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS result (
	result_id BIGSERIAL PRIMARY KEY,
	check_id BIGINT NOT NULL,
	status TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}',
	created_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_result_check_created ON result(check_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_result_created ON result(created_at);
CREATE INDEX IF NOT EXISTS idx_check_due ON check_def(disabled, status, next_check_time);
`

// OpenPostgres connects to dsn and ensures the schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect postgres")
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "migrate postgres schema")
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func scanCheckRow(row pgx.Row) (domain.Check, error) {
	var c domain.Check
	var kind, status string
	var data []byte
	err := row.Scan(&c.ID, &c.ServiceID, &c.Name, &kind, &c.Target, &c.IntervalSeconds,
		&c.Disabled, &data, &status, &c.NextCheckTime, &c.CreatedAt)
	c.Kind = domain.Kind(kind)
	c.Status = domain.CheckStatus(status)
	c.Data = json.RawMessage(data)
	return c, err
}

func (p *Postgres) ListDue(ctx context.Context, now int64, limit int) ([]domain.Check, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, wrapErr("ListDue", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT check_id, service_id, name, kind, target, interval_seconds,
		       disabled, data, status, next_check_time, created_at
		FROM check_def
		WHERE disabled = false AND status != 'processing' AND next_check_time <= $1
		ORDER BY next_check_time ASC, check_id ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, wrapErr("ListDue", err)
	}

	var out []domain.Check
	for rows.Next() {
		c, err := scanCheckRow(rows)
		if err != nil {
			rows.Close()
			return nil, wrapErr("ListDue", err)
		}
		out = append(out, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapErr("ListDue", err)
	}

	if len(out) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, len(out))
	for i, c := range out {
		ids[i] = c.ID
	}
	if _, err := tx.Exec(ctx, `UPDATE check_def SET status = 'processing' WHERE check_id = ANY($1)`, ids); err != nil {
		return nil, wrapErr("ListDue", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrapErr("ListDue", err)
	}

	for i := range out {
		out[i].Status = domain.CheckProcessing
	}
	return out, nil
}

func (p *Postgres) AddResultAndAdvance(ctx context.Context, result domain.Result, checkID int64, nextCheckTime int64) (domain.Result, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Result{}, wrapErr("AddResultAndAdvance", err)
	}
	defer tx.Rollback(ctx)

	payload := result.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO result (check_id, status, payload, created_at) VALUES ($1, $2, $3, $4)
		RETURNING result_id`, checkID, string(result.Status), []byte(payload), result.CreatedAt).Scan(&id)
	if err != nil {
		return domain.Result{}, wrapErr("AddResultAndAdvance", err)
	}

	tag, err := tx.Exec(ctx, `UPDATE check_def SET status = 'idle', next_check_time = $1 WHERE check_id = $2`,
		nextCheckTime, checkID)
	if err != nil {
		return domain.Result{}, wrapErr("AddResultAndAdvance", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Result{}, wrapErr("AddResultAndAdvance", ErrCheckNotFound)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.Result{}, wrapErr("AddResultAndAdvance", err)
	}

	result.ID = id
	result.CheckID = checkID
	result.Payload = payload
	return result, nil
}

func (p *Postgres) RecentResults(ctx context.Context, checkID int64, n int) ([]domain.Result, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT result_id, check_id, status, payload, created_at
		FROM result WHERE check_id = $1
		ORDER BY created_at DESC, result_id DESC
		LIMIT $2`, checkID, n)
	if err != nil {
		return nil, wrapErr("RecentResults", err)
	}
	defer rows.Close()

	var out []domain.Result
	for rows.Next() {
		var r domain.Result
		var status string
		var payload []byte
		if err := rows.Scan(&r.ID, &r.CheckID, &status, &payload, &r.CreatedAt); err != nil {
			return nil, wrapErr("RecentResults", err)
		}
		r.Status = domain.ResultStatus(status)
		r.Payload = json.RawMessage(payload)
		out = append(out, r)
	}
	return out, wrapErr("RecentResults", rows.Err())
}

func (p *Postgres) DeleteResultsOlderThan(ctx context.Context, cutoff int64, batchLimit int) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM result WHERE result_id IN (
			SELECT r.result_id FROM result r
			WHERE r.created_at < $1
			AND r.result_id != (
				SELECT r2.result_id FROM result r2
				WHERE r2.check_id = r.check_id
				ORDER BY r2.created_at DESC, r2.result_id DESC
				LIMIT 1
			)
			LIMIT $2
		)`, cutoff, batchLimit)
	if err != nil {
		return 0, wrapErr("DeleteResultsOlderThan", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) ReconcileStuckChecks(ctx context.Context) (int, error) {
	tag, err := p.pool.Exec(ctx, `UPDATE check_def SET status = 'idle' WHERE status = 'processing'`)
	if err != nil {
		return 0, wrapErr("ReconcileStuckChecks", err)
	}
	return int(tag.RowsAffected()), nil
}

func (p *Postgres) CreateCheck(ctx context.Context, c domain.Check) (domain.Check, error) {
	if c.Data == nil {
		c.Data = json.RawMessage("{}")
	}
	if c.Status == "" {
		c.Status = domain.CheckIdle
	}
	err := p.pool.QueryRow(ctx, `
		INSERT INTO check_def (service_id, name, kind, target, interval_seconds, disabled, data, status, next_check_time, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING check_id`,
		c.ServiceID, c.Name, string(c.Kind), c.Target, c.IntervalSeconds, c.Disabled,
		[]byte(c.Data), string(c.Status), c.NextCheckTime, c.CreatedAt).Scan(&c.ID)
	if err != nil {
		return domain.Check{}, wrapErr("CreateCheck", err)
	}
	return c, nil
}

func (p *Postgres) UpdateCheck(ctx context.Context, c domain.Check) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE check_def SET service_id=$1, name=$2, kind=$3, target=$4, interval_seconds=$5,
			disabled=$6, data=$7, status=$8, next_check_time=$9
		WHERE check_id=$10`,
		c.ServiceID, c.Name, string(c.Kind), c.Target, c.IntervalSeconds,
		c.Disabled, []byte(c.Data), string(c.Status), c.NextCheckTime, c.ID)
	if err != nil {
		return wrapErr("UpdateCheck", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapErr("UpdateCheck", ErrCheckNotFound)
	}
	return nil
}

func (p *Postgres) DeleteCheck(ctx context.Context, checkID int64) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapErr("DeleteCheck", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `DELETE FROM check_def WHERE check_id = $1`, checkID)
	if err != nil {
		return wrapErr("DeleteCheck", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapErr("DeleteCheck", ErrCheckNotFound)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM result WHERE check_id = $1`, checkID); err != nil {
		return wrapErr("DeleteCheck", err)
	}
	return wrapErr("DeleteCheck", tx.Commit(ctx))
}

func (p *Postgres) GetCheck(ctx context.Context, checkID int64) (domain.Check, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT check_id, service_id, name, kind, target, interval_seconds,
		       disabled, data, status, next_check_time, created_at
		FROM check_def WHERE check_id = $1`, checkID)
	c, err := scanCheckRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Check{}, wrapErr("GetCheck", ErrCheckNotFound)
	}
	if err != nil {
		return domain.Check{}, wrapErr("GetCheck", err)
	}
	return c, nil
}

func (p *Postgres) ListChecks(ctx context.Context) ([]domain.Check, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT check_id, service_id, name, kind, target, interval_seconds,
		       disabled, data, status, next_check_time, created_at
		FROM check_def ORDER BY check_id ASC`)
	if err != nil {
		return nil, wrapErr("ListChecks", err)
	}
	defer rows.Close()

	var out []domain.Check
	for rows.Next() {
		c, err := scanCheckRow(rows)
		if err != nil {
			return nil, wrapErr("ListChecks", err)
		}
		out = append(out, c)
	}
	return out, wrapErr("ListChecks", rows.Err())
}

func (p *Postgres) ListChecksByService(ctx context.Context, serviceID int64) ([]domain.Check, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT check_id, service_id, name, kind, target, interval_seconds,
		       disabled, data, status, next_check_time, created_at
		FROM check_def WHERE service_id = $1 ORDER BY check_id ASC`, serviceID)
	if err != nil {
		return nil, wrapErr("ListChecksByService", err)
	}
	defer rows.Close()

	var out []domain.Check
	for rows.Next() {
		c, err := scanCheckRow(rows)
		if err != nil {
			return nil, wrapErr("ListChecksByService", err)
		}
		out = append(out, c)
	}
	return out, wrapErr("ListChecksByService", rows.Err())
}

func (p *Postgres) CreateService(ctx context.Context, svc domain.Service) (domain.Service, error) {
	err := p.pool.QueryRow(ctx, `INSERT INTO service (name) VALUES ($1) RETURNING service_id`, svc.Name).Scan(&svc.ID)
	if err != nil {
		return domain.Service{}, wrapErr("CreateService", err)
	}
	return svc, nil
}

func (p *Postgres) GetService(ctx context.Context, serviceID int64) (domain.Service, error) {
	var svc domain.Service
	err := p.pool.QueryRow(ctx, `SELECT service_id, name FROM service WHERE service_id = $1`, serviceID).Scan(&svc.ID, &svc.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Service{}, wrapErr("GetService", ErrServiceNotFound)
	}
	if err != nil {
		return domain.Service{}, wrapErr("GetService", err)
	}
	return svc, nil
}

func (p *Postgres) ListServices(ctx context.Context) ([]domain.Service, error) {
	rows, err := p.pool.Query(ctx, `SELECT service_id, name FROM service ORDER BY service_id ASC`)
	if err != nil {
		return nil, wrapErr("ListServices", err)
	}
	defer rows.Close()

	var out []domain.Service
	for rows.Next() {
		var svc domain.Service
		if err := rows.Scan(&svc.ID, &svc.Name); err != nil {
			return nil, wrapErr("ListServices", err)
		}
		out = append(out, svc)
	}
	return out, wrapErr("ListServices", rows.Err())
}
