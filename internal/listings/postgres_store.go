package listings

import (
	"context"
	"database/sql"
)

// PostgresStore persists listings in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed listing store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, listing *Listing) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO listings (
			id, seller_addr, name, description, base_url,
			price_per_call, encrypted_credential, active, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6::NUMERIC(20,6), $7, $8, $9, $10
		)`,
		listing.ID, listing.SellerAddr, listing.Name, listing.Description, listing.BaseURL,
		listing.PricePerCall, listing.EncryptedCredential, listing.Active, listing.CreatedAt, listing.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Listing, error) {
	l, err := scanListing(p.db.QueryRowContext(ctx, `
		SELECT id, seller_addr, name, description, base_url,
		       price_per_call, encrypted_credential, active, created_at, updated_at
		FROM listings WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrListingNotFound
	}
	return l, err
}

func (p *PostgresStore) Update(ctx context.Context, listing *Listing) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE listings SET
			name = $1, description = $2, base_url = $3,
			price_per_call = $4::NUMERIC(20,6), encrypted_credential = $5,
			active = $6, updated_at = $7
		WHERE id = $8`,
		listing.Name, listing.Description, listing.BaseURL,
		listing.PricePerCall, listing.EncryptedCredential,
		listing.Active, listing.UpdatedAt,
		listing.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrListingNotFound
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context, sellerAddr string, limit int) ([]*Listing, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, seller_addr, name, description, base_url,
		       price_per_call, encrypted_credential, active, created_at, updated_at
		FROM listings
		WHERE ($1 = '' OR seller_addr = $1)
		ORDER BY created_at DESC
		LIMIT $2`, sellerAddr, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

func (p *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE listings SET active = $1, updated_at = NOW() WHERE id = $2`,
		active, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrListingNotFound
	}
	return nil
}

type listingScanner interface {
	Scan(dest ...interface{}) error
}

func scanListing(row listingScanner) (*Listing, error) {
	var l Listing
	var description sql.NullString
	err := row.Scan(
		&l.ID, &l.SellerAddr, &l.Name, &description, &l.BaseURL,
		&l.PricePerCall, &l.EncryptedCredential, &l.Active, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	l.Description = description.String
	return &l, nil
}

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)
