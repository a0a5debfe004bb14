package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/utafrali/address-service/internal/domain"
	"github.com/utafrali/address-service/internal/repository"
	"github.com/utafrali/address-service/pkg/database"
	apperrors "github.com/utafrali/address-service/pkg/errors"
)

// OneDefaultConstraint is the partial unique index that allows a single
// active default address per user.
const OneDefaultConstraint = "addresses_one_default_per_user"

const addressColumns = `id, user_id, type, label, first_name, last_name, phone,
	address_line1, address_line2, city, state, postal_code, country,
	is_default, is_active, created_at, updated_at`

// AddressRepository implements repository.AddressRepository using PostgreSQL.
type AddressRepository struct {
	db database.DBTX
}

// NewAddressRepository creates a new PostgreSQL-backed address repository.
func NewAddressRepository(db database.DBTX) *AddressRepository {
	return &AddressRepository{db: db}
}

// ListByUser returns the active addresses of a user, default first.
func (r *AddressRepository) ListByUser(ctx context.Context, userID string) (_ []domain.Address, err error) {
	query := `
		SELECT ` + addressColumns + `
		FROM addresses
		WHERE user_id = $1 AND is_active = true
		ORDER BY is_default DESC, created_at DESC`

	ctx, end := database.TraceQuery(ctx, "ListAddresses", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	defer rows.Close()

	addresses := make([]domain.Address, 0)
	for rows.Next() {
		a, err := scanAddress(rows)
		if err != nil {
			return nil, fmt.Errorf("scan address row: %w", err)
		}
		addresses = append(addresses, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate address rows: %w", err)
	}

	return addresses, nil
}

// GetForUser retrieves an active address owned by userID.
func (r *AddressRepository) GetForUser(ctx context.Context, userID, id string) (*domain.Address, error) {
	query := `
		SELECT ` + addressColumns + `
		FROM addresses
		WHERE id = $1 AND user_id = $2 AND is_active = true`

	a, err := r.queryOne(ctx, "GetAddress", query, id, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("address", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get address %s: %w", id, err)
	}
	return a, nil
}

// GetDefault retrieves the active default address of a user.
func (r *AddressRepository) GetDefault(ctx context.Context, userID string) (*domain.Address, error) {
	query := `
		SELECT ` + addressColumns + `
		FROM addresses
		WHERE user_id = $1 AND is_default = true AND is_active = true
		LIMIT 1`

	a, err := r.queryOne(ctx, "GetDefaultAddress", query, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default address: %w", err)
	}
	return a, nil
}

// CountActive counts the active addresses of a user other than excludingID.
func (r *AddressRepository) CountActive(ctx context.Context, userID, excludingID string) (_ int, err error) {
	query := `
		SELECT COUNT(*)
		FROM addresses
		WHERE user_id = $1 AND is_active = true AND ($2 = '' OR id::text <> $2)`

	ctx, end := database.TraceQuery(ctx, "CountActiveAddresses", query)
	defer func() { end(err) }()

	var count int
	if err = r.db.QueryRow(ctx, query, userID, excludingID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count active addresses: %w", err)
	}
	return count, nil
}

// Create inserts a new address when the user holds fewer than
// domain.MaxActiveAddresses active addresses. The count is only stable
// against concurrent writers while LockUser is held in the same transaction.
func (r *AddressRepository) Create(ctx context.Context, a *domain.Address) (err error) {
	query := `
		INSERT INTO addresses (` + addressColumns + `)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		WHERE (SELECT COUNT(*) FROM addresses WHERE user_id = $2 AND is_active = true) < $18`

	ctx, end := database.TraceQuery(ctx, "CreateAddress", query)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, query,
		a.ID,
		a.UserID,
		string(a.Type),
		a.Label,
		a.FirstName,
		a.LastName,
		a.Phone,
		a.AddressLine1,
		a.AddressLine2,
		a.City,
		a.State,
		a.PostalCode,
		a.Country,
		a.IsDefault,
		a.IsActive,
		a.CreatedAt,
		a.UpdatedAt,
		domain.MaxActiveAddresses,
	)
	if err != nil {
		if database.IsUniqueViolation(err, OneDefaultConstraint) {
			return apperrors.DuplicateDefault("address")
		}
		if database.IsCheckViolation(err) {
			return apperrors.InvalidInput("address violates a field constraint")
		}
		return fmt.Errorf("insert address: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return limitExceeded()
	}
	return nil
}

// Update persists the mutable fields of an active address and refreshes
// UpdatedAt.
func (r *AddressRepository) Update(ctx context.Context, a *domain.Address) (err error) {
	a.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE addresses
		SET type = $1, label = $2, first_name = $3, last_name = $4, phone = $5,
		    address_line1 = $6, address_line2 = $7, city = $8, state = $9,
		    postal_code = $10, country = $11, is_default = $12, updated_at = $13
		WHERE id = $14 AND user_id = $15 AND is_active = true`

	ctx, end := database.TraceQuery(ctx, "UpdateAddress", query)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, query,
		string(a.Type),
		a.Label,
		a.FirstName,
		a.LastName,
		a.Phone,
		a.AddressLine1,
		a.AddressLine2,
		a.City,
		a.State,
		a.PostalCode,
		a.Country,
		a.IsDefault,
		a.UpdatedAt,
		a.ID,
		a.UserID,
	)
	if err != nil {
		if database.IsUniqueViolation(err, OneDefaultConstraint) {
			return apperrors.DuplicateDefault("address")
		}
		if database.IsCheckViolation(err) {
			return apperrors.InvalidInput("address violates a field constraint")
		}
		return fmt.Errorf("update address: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("address", a.ID)
	}
	return nil
}

// SoftDelete deactivates an address. A deactivated address is never default.
func (r *AddressRepository) SoftDelete(ctx context.Context, userID, id string) (err error) {
	query := `
		UPDATE addresses
		SET is_active = false, is_default = false, updated_at = $1
		WHERE id = $2 AND user_id = $3 AND is_active = true`

	ctx, end := database.TraceQuery(ctx, "SoftDeleteAddress", query)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, query, time.Now().UTC(), id, userID)
	if err != nil {
		return fmt.Errorf("soft delete address: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("address", id)
	}
	return nil
}

// ClearDefaultForOthers unsets is_default on the user's other active addresses.
func (r *AddressRepository) ClearDefaultForOthers(ctx context.Context, userID, excludingID string) (err error) {
	query := `
		UPDATE addresses
		SET is_default = false, updated_at = $1
		WHERE user_id = $2 AND is_default = true AND is_active = true AND ($3 = '' OR id::text <> $3)`

	ctx, end := database.TraceQuery(ctx, "ClearDefaultAddresses", query)
	defer func() { end(err) }()

	if _, err = r.db.Exec(ctx, query, time.Now().UTC(), userID, excludingID); err != nil {
		return fmt.Errorf("clear default addresses: %w", err)
	}
	return nil
}

// FindAnyActive returns the newest active address of a user other than
// excludingID. It is the promotion candidate after a default is deleted.
func (r *AddressRepository) FindAnyActive(ctx context.Context, userID, excludingID string) (*domain.Address, error) {
	query := `
		SELECT ` + addressColumns + `
		FROM addresses
		WHERE user_id = $1 AND is_active = true AND ($2 = '' OR id::text <> $2)
		ORDER BY created_at DESC
		LIMIT 1`

	a, err := r.queryOne(ctx, "FindActiveAddress", query, userID, excludingID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active address: %w", err)
	}
	return a, nil
}

// MarkDefault flags one active address as the default without touching its
// other columns.
func (r *AddressRepository) MarkDefault(ctx context.Context, userID, id string) (*domain.Address, error) {
	query := `
		UPDATE addresses
		SET is_default = true, updated_at = $1
		WHERE id = $2 AND user_id = $3 AND is_active = true
		RETURNING ` + addressColumns

	a, err := r.queryOne(ctx, "MarkDefaultAddress", query, time.Now().UTC(), id, userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("address", id)
	}
	if err != nil {
		if database.IsUniqueViolation(err, OneDefaultConstraint) {
			return nil, apperrors.DuplicateDefault("address")
		}
		return nil, fmt.Errorf("mark default address: %w", err)
	}
	return a, nil
}

// DeactivateAllForUser soft-deletes every active address of a user.
func (r *AddressRepository) DeactivateAllForUser(ctx context.Context, userID string) (_ int64, err error) {
	query := `
		UPDATE addresses
		SET is_active = false, is_default = false, updated_at = $1
		WHERE user_id = $2 AND is_active = true`

	ctx, end := database.TraceQuery(ctx, "DeactivateUserAddresses", query)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, query, time.Now().UTC(), userID)
	if err != nil {
		return 0, fmt.Errorf("deactivate user addresses: %w", err)
	}
	return ct.RowsAffected(), nil
}

// LockUser takes a transaction-scoped advisory lock keyed on the user.
func (r *AddressRepository) LockUser(ctx context.Context, userID string) (err error) {
	query := `SELECT pg_advisory_xact_lock(hashtext($1))`

	ctx, end := database.TraceQuery(ctx, "LockUserAddresses", query)
	defer func() { end(err) }()

	if _, err = r.db.Exec(ctx, query, userID); err != nil {
		return fmt.Errorf("lock user addresses: %w", err)
	}
	return nil
}

// WithinTx runs fn inside one transaction. A nested call opens a savepoint.
func (r *AddressRepository) WithinTx(ctx context.Context, fn func(repository.AddressRepository) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(NewAddressRepository(tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (r *AddressRepository) queryOne(ctx context.Context, operation, query string, args ...any) (_ *domain.Address, err error) {
	ctx, end := database.TraceQuery(ctx, operation, query)
	defer func() {
		if errors.Is(err, pgx.ErrNoRows) {
			end(nil)
			return
		}
		end(err)
	}()

	return scanAddress(r.db.QueryRow(ctx, query, args...))
}

// scanAddress reads one row in addressColumns order.
func scanAddress(row pgx.Row) (*domain.Address, error) {
	var (
		a       domain.Address
		addrTyp string
	)
	err := row.Scan(
		&a.ID,
		&a.UserID,
		&addrTyp,
		&a.Label,
		&a.FirstName,
		&a.LastName,
		&a.Phone,
		&a.AddressLine1,
		&a.AddressLine2,
		&a.City,
		&a.State,
		&a.PostalCode,
		&a.Country,
		&a.IsDefault,
		&a.IsActive,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Type = domain.AddressType(addrTyp)
	return &a, nil
}

func limitExceeded() error {
	return apperrors.LimitExceeded(fmt.Sprintf("a user may have at most %d active addresses", domain.MaxActiveAddresses))
}
