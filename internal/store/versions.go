package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FactVersion is an immutable snapshot of a fact's tracked fields.
type FactVersion struct {
	ID        string
	FactID    string
	VersionNo int
	AsOf      time.Time
	Snapshot  json.RawMessage
	CreatedAt time.Time
}

// appendVersion numbers the snapshot max+1 within q. Callers pass the
// transaction that also holds their other writes so numbering cannot race.
func appendVersion(ctx context.Context, q querier, factID string, asOf time.Time, snapshot any, now time.Time) (int, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}

	var next int
	if err := q.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version_no), 0) + 1 FROM fact_versions WHERE fact_id = ?", factID,
	).Scan(&next); err != nil {
		return 0, fmt.Errorf("next version: %w", err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO fact_versions (id, fact_id, version_no, as_of, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), factID, next, millis(asOf), string(data), millis(now))
	if err != nil {
		return 0, fmt.Errorf("insert version %d: %w", next, err)
	}
	return next, nil
}

// AppendVersion appends a snapshot outside of a reduction and returns its
// version number.
func (db *DB) AppendVersion(ctx context.Context, factID string, asOf time.Time, snapshot any) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append version: %w", err)
	}
	defer tx.Rollback()

	n, err := appendVersion(ctx, tx, factID, asOf, snapshot, asOf)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append version: %w", err)
	}
	return n, nil
}

const versionColumns = "id, fact_id, version_no, as_of, snapshot, created_at"

func scanVersion(s rowScanner) (*FactVersion, error) {
	var v FactVersion
	var snapshot string
	var asOf, created int64
	if err := s.Scan(&v.ID, &v.FactID, &v.VersionNo, &asOf, &snapshot, &created); err != nil {
		return nil, err
	}
	v.Snapshot = json.RawMessage(snapshot)
	v.AsOf = fromMillis(asOf)
	v.CreatedAt = fromMillis(created)
	return &v, nil
}

// LatestVersion returns the newest version of a fact, or nil if it has none.
func (db *DB) LatestVersion(ctx context.Context, factID string) (*FactVersion, error) {
	row := db.QueryRowContext(ctx, "SELECT "+versionColumns+
		" FROM fact_versions WHERE fact_id = ? ORDER BY version_no DESC LIMIT 1", factID)
	v, err := scanVersion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest version: %w", err)
	}
	return v, nil
}

// ListVersions returns all versions of a fact, oldest first.
func (db *DB) ListVersions(ctx context.Context, factID string) ([]FactVersion, error) {
	rows, err := db.QueryContext(ctx, "SELECT "+versionColumns+
		" FROM fact_versions WHERE fact_id = ? ORDER BY version_no", factID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []FactVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, *v)
	}
	return versions, rows.Err()
}

// CountVersions returns how many versions a fact has.
func (db *DB) CountVersions(ctx context.Context, factID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM fact_versions WHERE fact_id = ?", factID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count versions: %w", err)
	}
	return n, nil
}
