package grants

import (
	"context"
	"database/sql"
)

// PostgresStore persists access grants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed grant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, grant *Grant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO access_grants (
			id, key_hash, buyer_addr, listing_id, total_quota, used_quota,
			status, expires_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10
		)`,
		grant.ID, grant.KeyHash, grant.BuyerAddr, grant.ListingID, grant.TotalQuota, grant.UsedQuota,
		string(grant.Status), grant.ExpiresAt, grant.CreatedAt, grant.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Grant, error) {
	g, err := scanGrant(p.db.QueryRowContext(ctx, `
		SELECT id, key_hash, buyer_addr, listing_id, total_quota, used_quota,
		       status, expires_at, created_at, updated_at
		FROM access_grants WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrGrantNotFound
	}
	return g, err
}

func (p *PostgresStore) GetByKeyHash(ctx context.Context, keyHash string) (*Grant, error) {
	g, err := scanGrant(p.db.QueryRowContext(ctx, `
		SELECT id, key_hash, buyer_addr, listing_id, total_quota, used_quota,
		       status, expires_at, created_at, updated_at
		FROM access_grants WHERE key_hash = $1`, keyHash))
	if err == sql.ErrNoRows {
		return nil, ErrGrantNotFound
	}
	return g, err
}

// Consume performs the quota decrement as one conditional UPDATE so the
// check and the mutation are atomic at the database level. Two processes
// racing for the last unit see exactly one row affected.
func (p *PostgresStore) Consume(ctx context.Context, grantID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE access_grants
		SET used_quota = used_quota + 1,
		    status = CASE WHEN used_quota + 1 >= total_quota THEN 'exhausted' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1 AND used_quota < total_quota`,
		grantID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Either the grant is unknown or the quota is spent. Distinguish
		// so unknown IDs don't masquerade as exhaustion.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM access_grants WHERE id = $1)`, grantID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrGrantNotFound
		}
		_, _ = p.db.ExecContext(ctx, `
			UPDATE access_grants SET status = 'exhausted', updated_at = NOW()
			WHERE id = $1 AND status = 'active'`, grantID)
		return ErrQuotaExhausted
	}
	return nil
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, grantID string, status Status) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE access_grants SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), grantID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrGrantNotFound
	}
	return nil
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerAddr string, limit int) ([]*Grant, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, key_hash, buyer_addr, listing_id, total_quota, used_quota,
		       status, expires_at, created_at, updated_at
		FROM access_grants
		WHERE LOWER(buyer_addr) = LOWER($1)
		ORDER BY created_at DESC
		LIMIT $2`, buyerAddr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Grant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

type grantScanner interface {
	Scan(dest ...interface{}) error
}

func scanGrant(row grantScanner) (*Grant, error) {
	var g Grant
	var status string
	var expiresAt sql.NullTime
	err := row.Scan(
		&g.ID, &g.KeyHash, &g.BuyerAddr, &g.ListingID, &g.TotalQuota, &g.UsedQuota,
		&status, &expiresAt, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	g.Status = Status(status)
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		g.ExpiresAt = &t
	}
	return &g, nil
}

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)
