package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

const pgUniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.Request) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO requests(id, kind, rider_id, origin_lat, origin_lon, dest_lat, dest_lon, capability, fare_estimate, status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		r.ID, string(r.Kind), r.RiderID, r.Origin.Lat, r.Origin.Lon, r.Destination.Lat, r.Destination.Lon,
		r.Capability, r.FareEstimate, string(r.Status), r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.Request, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, kind, rider_id, origin_lat, origin_lon, dest_lat, dest_lon, capability, fare_estimate,
		status, assigned_provider, created_at, assigned_at, completed_at, cancelled_at, updated_at
		FROM requests WHERE id = $1`, id)

	var r models.Request
	var provider sql.NullString
	var assignedAt, completedAt, cancelledAt sql.NullTime
	err := row.Scan(&r.ID, &r.Kind, &r.RiderID, &r.Origin.Lat, &r.Origin.Lon, &r.Destination.Lat, &r.Destination.Lon,
		&r.Capability, &r.FareEstimate, &r.Status, &provider, &r.CreatedAt, &assignedAt, &completedAt, &cancelledAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if provider.Valid {
		r.AssignedProvider = &provider.String
	}
	r.AssignedAt = timePtr(assignedAt)
	r.CompletedAt = timePtr(completedAt)
	r.CancelledAt = timePtr(cancelledAt)
	return &r, nil
}

func (p *PostgresStore) SearchingRequests(ctx context.Context) ([]string, error) {
	return queryIDs(ctx, p.db, `SELECT id FROM requests WHERE status = 'searching' ORDER BY created_at`)
}

func (p *PostgresStore) CompareAndSetStatus(ctx context.Context, id string, from, to models.Status) (bool, error) {
	if from.Terminal() {
		return false, p.exists(ctx, id)
	}
	res, err := p.db.ExecContext(ctx, `UPDATE requests
		SET status = $3,
			assigned_provider = CASE WHEN $4 THEN assigned_provider ELSE NULL END,
			completed_at = CASE WHEN $3 = 'completed' THEN NOW() ELSE completed_at END,
			cancelled_at = CASE WHEN $3 = 'cancelled' THEN NOW() ELSE cancelled_at END,
			updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, string(from), string(to), to.HoldsProvider())
	if err != nil {
		return false, err
	}
	if ok, err := oneRow(res); ok || err != nil {
		return ok, err
	}
	return false, p.exists(ctx, id)
}

func (p *PostgresStore) InsertBatch(ctx context.Context, attempts []models.MatchAttempt) (bool, error) {
	if len(attempts) == 0 {
		return false, nil
	}
	reqID := attempts[0].RequestID
	inserted := false
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		// lock the request row so cancel/accept serialize with the insert
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM requests WHERE id = $1 FOR UPDATE`, reqID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if models.Status(status) != models.StatusSearching {
			return nil
		}
		var last int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(batch_number), 0) FROM match_attempts WHERE request_id = $1`, reqID).Scan(&last); err != nil {
			return err
		}
		ids := make([]string, 0, len(attempts))
		for _, a := range attempts {
			if a.RequestID != reqID || a.Batch <= last {
				return nil
			}
			ids = append(ids, a.CandidateID)
		}
		var dup bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM match_attempts WHERE request_id = $1 AND candidate_id = ANY($2))`,
			reqID, pq.Array(ids)).Scan(&dup); err != nil {
			return err
		}
		if dup {
			return nil
		}
		for _, a := range attempts {
			if _, err := tx.ExecContext(ctx, `INSERT INTO match_attempts(id, request_id, candidate_id, batch_number, status, distance_km, eta_seconds, created_at, expires_at)
				VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
				a.ID, a.RequestID, a.CandidateID, a.Batch, string(a.Status), a.DistanceKm, a.ETASeconds, a.CreatedAt, a.ExpiresAt); err != nil {
				return err
			}
		}
		inserted = true
		return nil
	})
	if isUniqueViolation(err) {
		// a concurrent opener got there first
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inserted, nil
}

func (p *PostgresStore) AcceptAttempt(ctx context.Context, requestID, candidateID string, batch int) (bool, []string, error) {
	var superseded []string
	accepted := false
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE requests
			SET status = 'assigned', assigned_provider = $2, assigned_at = NOW(), updated_at = NOW()
			WHERE id = $1 AND status = 'searching'`, requestID, candidateID)
		if err != nil {
			return err
		}
		if ok, err := oneRow(res); !ok || err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx, `UPDATE match_attempts SET status = 'accepted', responded_at = NOW()
			WHERE request_id = $1 AND candidate_id = $2 AND batch_number = $3 AND status = 'pending'`, requestID, candidateID, batch)
		if err != nil {
			return err
		}
		ok, err := oneRow(res)
		if err != nil {
			return err
		}
		if !ok {
			return errRollback
		}
		superseded, err = queryIDs(ctx, tx, `UPDATE match_attempts SET status = 'superseded'
			WHERE request_id = $1 AND status = 'pending' RETURNING candidate_id`, requestID)
		if err != nil {
			return err
		}
		accepted = true
		return nil
	})
	if errors.Is(err, errRollback) {
		return false, nil, nil
	}
	if err != nil {
		return false, nil, err
	}
	if !accepted {
		return false, nil, p.exists(ctx, requestID)
	}
	return true, superseded, nil
}

func (p *PostgresStore) CloseAttempt(ctx context.Context, requestID, candidateID string, batch int, to models.AttemptStatus) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE match_attempts SET status = $4, responded_at = NOW()
		WHERE request_id = $1 AND candidate_id = $2 AND batch_number = $3 AND status = 'pending'`,
		requestID, candidateID, batch, string(to))
	if err != nil {
		return false, err
	}
	return oneRow(res)
}

func (p *PostgresStore) ExpireBatch(ctx context.Context, requestID string, batch int) ([]string, error) {
	return queryIDs(ctx, p.db, `UPDATE match_attempts SET status = 'expired'
		WHERE request_id = $1 AND batch_number = $2 AND status = 'pending' RETURNING candidate_id`, requestID, batch)
}

func (p *PostgresStore) SupersedePending(ctx context.Context, requestID string) ([]string, error) {
	return queryIDs(ctx, p.db, `UPDATE match_attempts SET status = 'superseded'
		WHERE request_id = $1 AND status = 'pending' RETURNING candidate_id`, requestID)
}

func (p *PostgresStore) Attempts(ctx context.Context, requestID string) ([]models.MatchAttempt, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, request_id, candidate_id, batch_number, status, distance_km, eta_seconds, created_at, expires_at, responded_at
		FROM match_attempts WHERE request_id = $1 ORDER BY batch_number, candidate_id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.MatchAttempt
	for rows.Next() {
		var a models.MatchAttempt
		var responded sql.NullTime
		if err := rows.Scan(&a.ID, &a.RequestID, &a.CandidateID, &a.Batch, &a.Status, &a.DistanceKm, &a.ETASeconds, &a.CreatedAt, &a.ExpiresAt, &responded); err != nil {
			return nil, err
		}
		a.RespondedAt = timePtr(responded)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) LastBatch(ctx context.Context, requestID string) (models.BatchInfo, error) {
	var info models.BatchInfo
	var expires sql.NullTime
	err := p.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(batch_number), 0), MAX(expires_at) FROM match_attempts WHERE request_id = $1`, requestID).
		Scan(&info.Number, &expires)
	if err != nil {
		return info, err
	}
	if expires.Valid {
		info.ExpiresAt = expires.Time
	}
	return info, nil
}

var errRollback = errors.New("rollback")

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryIDs(ctx context.Context, q queryer, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// exists turns a failed condition on a missing row into ErrNotFound.
func (p *PostgresStore) exists(ctx context.Context, id string) error {
	var found bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM requests WHERE id = $1)`, id).Scan(&found); err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func oneRow(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
