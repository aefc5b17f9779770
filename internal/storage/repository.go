package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertActivitySQL = `INSERT INTO activities (
        id,
        kind,
        actor,
        counterparty,
        amount,
        quote_cents,
        reason,
        blacklist_status,
        old_price_cents,
        new_price_cents,
        request_id,
        occurred_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
    )
    ON CONFLICT (id) DO NOTHING;`

	listActivitiesBetweenSQL = `SELECT
        id,
        kind,
        actor,
        counterparty,
        amount,
        quote_cents,
        reason,
        blacklist_status,
        old_price_cents,
        new_price_cents,
        request_id,
        occurred_at,
        created_at
    FROM activities
    WHERE occurred_at >= $1
      AND occurred_at < $2
    ORDER BY occurred_at;`

	listRecentActivitiesSQL = `SELECT
        id,
        kind,
        actor,
        counterparty,
        amount,
        quote_cents,
        reason,
        blacklist_status,
        old_price_cents,
        new_price_cents,
        request_id,
        occurred_at,
        created_at
    FROM activities
    ORDER BY occurred_at DESC
    LIMIT $1;`

	countActivitiesSQL = `SELECT COUNT(*) FROM activities;`

	insertAlertSQL = `INSERT INTO alerts (
        rule_id,
        severity,
        description,
        activity_id,
        occurred_at
    ) VALUES (
        $1,$2,$3,$4,$5
    )
    RETURNING id, rule_id, severity, description, activity_id, occurred_at, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        rule_id,
        severity,
        description,
        activity_id,
        occurred_at,
        created_at
    FROM alerts
    ORDER BY created_at DESC
    LIMIT $1;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE created_at < $1;`

	upsertRequestSQL = `INSERT INTO approval_requests (
        id,
        kind,
        recipient,
        amount,
        reason,
        approvals,
        executed,
        tx_hash,
        created_at,
        executed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    ON CONFLICT (id) DO UPDATE
    SET approvals   = EXCLUDED.approvals,
        executed    = EXCLUDED.executed,
        tx_hash     = EXCLUDED.tx_hash,
        executed_at = EXCLUDED.executed_at;`

	listPendingRequestsSQL = `SELECT
        id,
        kind,
        recipient,
        amount,
        reason,
        approvals,
        executed,
        tx_hash,
        created_at,
        executed_at
    FROM approval_requests
    WHERE executed = FALSE
    ORDER BY created_at;`

	insertPriceSampleSQL = `INSERT INTO price_history (
        bucket_ts,
        price_cents,
        source,
        update_count
    ) VALUES (
        $1,$2,$3,$4
    )
    ON CONFLICT (bucket_ts) DO UPDATE
    SET price_cents  = EXCLUDED.price_cents,
        source       = EXCLUDED.source,
        update_count = EXCLUDED.update_count;`

	listPriceSamplesBetweenSQL = `SELECT
        bucket_ts,
        price_cents,
        source,
        update_count,
        created_at
    FROM price_history
    WHERE bucket_ts >= $1
      AND bucket_ts < $2
    ORDER BY bucket_ts;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ActivityStore defines operations for the persisted activity ledger.
type ActivityStore interface {
	InsertActivity(ctx context.Context, rec ActivityRecord) error
	ListActivitiesBetween(ctx context.Context, from, to time.Time) ([]ActivityRecord, error)
	ListRecentActivities(ctx context.Context, limit int) ([]ActivityRecord, error)
	CountActivities(ctx context.Context) (int64, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error
}

// RequestStore mirrors multi-signature requests for recovery and audit.
type RequestStore interface {
	UpsertRequest(ctx context.Context, rec RequestRecord) error
	ListPendingRequests(ctx context.Context) ([]RequestRecord, error)
}

// PriceStore keeps the accepted oracle price history.
type PriceStore interface {
	InsertPriceSample(ctx context.Context, sample PriceSample) error
	ListPriceSamplesBetween(ctx context.Context, from, to time.Time) ([]PriceSample, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to activities, alerts, requests and prices.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertActivity persists one ledger activity. Duplicate IDs are ignored.
func (s *Store) InsertActivity(ctx context.Context, rec ActivityRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var counterparty interface{}
	if rec.Counterparty != nil {
		counterparty = *rec.Counterparty
	}
	var reason interface{}
	if rec.Reason != nil {
		reason = *rec.Reason
	}
	var blStatus interface{}
	if rec.BlacklistStatus != nil {
		blStatus = *rec.BlacklistStatus
	}
	var requestID interface{}
	if rec.RequestID != nil {
		requestID = *rec.RequestID
	}

	_, execErr := pool.Exec(ctx, insertActivitySQL,
		rec.ID,
		rec.Kind,
		rec.Actor,
		counterparty,
		rec.Amount.String(),
		rec.QuoteCents,
		reason,
		blStatus,
		rec.OldPriceCents,
		rec.NewPriceCents,
		requestID,
		rec.OccurredAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert activity: %w", execErr)
	}
	return nil
}

// ListActivitiesBetween lists activities within a time window.
func (s *Store) ListActivitiesBetween(ctx context.Context, from, to time.Time) ([]ActivityRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActivitiesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list activities between: %w", queryErr)
	}
	defer rows.Close()

	records := make([]ActivityRecord, 0)
	for rows.Next() {
		rec, scanErr := scanActivity(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// ListRecentActivities lists the most recent activities ordered by descending time.
func (s *Store) ListRecentActivities(ctx context.Context, limit int) ([]ActivityRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentActivitiesSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent activities: %w", queryErr)
	}
	defer rows.Close()

	records := make([]ActivityRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanActivity(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// CountActivities counts stored activities.
func (s *Store) CountActivities(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countActivitiesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count activities: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.RuleID,
		alert.Severity,
		alert.Description,
		alert.ActivityID,
		alert.OccurredAt,
	)

	var rec AlertRecord
	if scanErr := row.Scan(
		&rec.ID,
		&rec.RuleID,
		&rec.Severity,
		&rec.Description,
		&rec.ActivityID,
		&rec.OccurredAt,
		&rec.CreatedAt,
	); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.RuleID,
			&rec.Severity,
			&rec.Description,
			&rec.ActivityID,
			&rec.OccurredAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete alerts before: %w", execErr)
	}
	return nil
}

// UpsertRequest persists or refreshes a multi-signature request snapshot.
func (s *Store) UpsertRequest(ctx context.Context, rec RequestRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var txHash interface{}
	if rec.TxHash != nil {
		txHash = *rec.TxHash
	}
	var executedAt interface{}
	if rec.ExecutedAt != nil {
		executedAt = *rec.ExecutedAt
	}

	_, execErr := pool.Exec(ctx, upsertRequestSQL,
		rec.ID,
		rec.Kind,
		rec.Recipient,
		rec.Amount.String(),
		rec.Reason,
		rec.Approvals,
		rec.Executed,
		txHash,
		rec.CreatedAt,
		executedAt,
	)
	if execErr != nil {
		return fmt.Errorf("upsert approval request: %w", execErr)
	}
	return nil
}

// ListPendingRequests lists requests that have not been executed yet.
func (s *Store) ListPendingRequests(ctx context.Context) ([]RequestRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPendingRequestsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list pending requests: %w", queryErr)
	}
	defer rows.Close()

	records := make([]RequestRecord, 0)
	for rows.Next() {
		var (
			rec        RequestRecord
			amountStr  string
			txHash     sql.NullString
			executedAt sql.NullTime
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Kind,
			&rec.Recipient,
			&amountStr,
			&rec.Reason,
			&rec.Approvals,
			&rec.Executed,
			&txHash,
			&rec.CreatedAt,
			&executedAt,
		); err != nil {
			return nil, err
		}

		amount, convErr := decimal.NewFromString(amountStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse request amount: %w", convErr)
		}
		rec.Amount = amount
		if txHash.Valid {
			value := txHash.String
			rec.TxHash = &value
		}
		if executedAt.Valid {
			value := executedAt.Time
			rec.ExecutedAt = &value
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// InsertPriceSample persists or updates one accepted price point.
func (s *Store) InsertPriceSample(ctx context.Context, sample PriceSample) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertPriceSampleSQL,
		sample.Bucket,
		sample.PriceCents,
		sample.Source,
		sample.UpdateCount,
	); execErr != nil {
		return fmt.Errorf("insert price sample: %w", execErr)
	}
	return nil
}

// ListPriceSamplesBetween lists price points within a time window.
func (s *Store) ListPriceSamplesBetween(ctx context.Context, from, to time.Time) ([]PriceSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPriceSamplesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list price samples between: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]PriceSample, 0)
	for rows.Next() {
		var sample PriceSample
		if err := rows.Scan(
			&sample.Bucket,
			&sample.PriceCents,
			&sample.Source,
			&sample.UpdateCount,
			&sample.CreatedAt,
		); err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

func scanActivity(rows pgx.Rows) (ActivityRecord, error) {
	var (
		rec          ActivityRecord
		counterparty sql.NullString
		amountStr    string
		reason       sql.NullString
		blStatus     sql.NullBool
		requestID    sql.NullString
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.Kind,
		&rec.Actor,
		&counterparty,
		&amountStr,
		&rec.QuoteCents,
		&reason,
		&blStatus,
		&rec.OldPriceCents,
		&rec.NewPriceCents,
		&requestID,
		&rec.OccurredAt,
		&rec.CreatedAt,
	); err != nil {
		return ActivityRecord{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return ActivityRecord{}, fmt.Errorf("parse activity amount: %w", err)
	}
	rec.Amount = amount

	if counterparty.Valid {
		value := counterparty.String
		rec.Counterparty = &value
	}
	if reason.Valid {
		value := reason.String
		rec.Reason = &value
	}
	if blStatus.Valid {
		value := blStatus.Bool
		rec.BlacklistStatus = &value
	}
	if requestID.Valid {
		value := requestID.String
		rec.RequestID = &value
	}

	return rec, nil
}
