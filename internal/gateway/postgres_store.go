package gateway

import (
	"context"
	"database/sql"
	"time"
)

// PostgresRecordStore persists call records in PostgreSQL.
type PostgresRecordStore struct {
	db *sql.DB
}

// NewPostgresRecordStore creates a new PostgreSQL-backed call record store.
func NewPostgresRecordStore(db *sql.DB) *PostgresRecordStore {
	return &PostgresRecordStore{db: db}
}

func (p *PostgresRecordStore) Create(ctx context.Context, record *CallRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO call_records (
			id, grant_id, buyer_addr, listing_id, method, path,
			status_code, latency_ms, cost, tx_hash, block_number,
			chain_status, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9::NUMERIC(20,6), $10, $11,
			$12, $13
		)`,
		record.ID, record.GrantID, record.BuyerAddr, record.ListingID, record.Method, record.Path,
		record.StatusCode, record.LatencyMs, record.Cost, nullString(record.TxHash), record.BlockNumber,
		string(record.ChainStatus), record.CreatedAt,
	)
	return err
}

func (p *PostgresRecordStore) Get(ctx context.Context, id string) (*CallRecord, error) {
	r, err := scanRecord(p.db.QueryRowContext(ctx, `
		SELECT id, grant_id, buyer_addr, listing_id, method, path,
		       status_code, latency_ms, cost, tx_hash, block_number,
		       chain_status, created_at
		FROM call_records WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return r, err
}

func (p *PostgresRecordStore) SetTxHash(ctx context.Context, id, txHash string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE call_records SET tx_hash = $1 WHERE id = $2`, txHash, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (p *PostgresRecordStore) UpdateChainStatus(ctx context.Context, id string, status ChainStatus, blockNumber uint64) error {
	// Confirmed rows are terminal and filtered out by the predicate.
	result, err := p.db.ExecContext(ctx, `
		UPDATE call_records SET
			chain_status = $1,
			block_number = CASE WHEN $1 = 'confirmed' THEN $2 ELSE block_number END
		WHERE id = $3 AND chain_status != 'confirmed'`,
		string(status), blockNumber, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM call_records WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrRecordNotFound
		}
	}
	return nil
}

func (p *PostgresRecordStore) ListByGrant(ctx context.Context, grantID string, limit int) ([]*CallRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, grant_id, buyer_addr, listing_id, method, path,
		       status_code, latency_ms, cost, tx_hash, block_number,
		       chain_status, created_at
		FROM call_records
		WHERE grant_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, grantID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresRecordStore) ListPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*CallRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, grant_id, buyer_addr, listing_id, method, path,
		       status_code, latency_ms, cost, tx_hash, block_number,
		       chain_status, created_at
		FROM call_records
		WHERE chain_status = 'pending' AND tx_hash IS NOT NULL AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

// --- scanners ---

type recordScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row recordScanner) (*CallRecord, error) {
	var r CallRecord
	var txHash sql.NullString
	var status string
	err := row.Scan(
		&r.ID, &r.GrantID, &r.BuyerAddr, &r.ListingID, &r.Method, &r.Path,
		&r.StatusCode, &r.LatencyMs, &r.Cost, &txHash, &r.BlockNumber,
		&status, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.TxHash = txHash.String
	r.ChainStatus = ChainStatus(status)
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]*CallRecord, error) {
	var result []*CallRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time assertion.
var _ RecordStore = (*PostgresRecordStore)(nil)
