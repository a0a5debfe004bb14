package repository

import (
	"context"

	"github.com/utafrali/address-service/internal/domain"
)

// AddressRepository defines the persistence operations for addresses. Every
// read and write is scoped to the owning user and only sees active records.
type AddressRepository interface {
	// ListByUser returns the user's active addresses, default first, then
	// newest first. It never returns a nil slice.
	ListByUser(ctx context.Context, userID string) ([]domain.Address, error)

	// GetForUser returns one active address owned by userID.
	GetForUser(ctx context.Context, userID, id string) (*domain.Address, error)

	// GetDefault returns the user's active default address.
	GetDefault(ctx context.Context, userID string) (*domain.Address, error)

	// CountActive counts the user's active addresses, ignoring excludingID
	// when it is not empty.
	CountActive(ctx context.Context, userID, excludingID string) (int, error)

	// Create inserts a new address unless the user already holds
	// domain.MaxActiveAddresses active ones.
	Create(ctx context.Context, address *domain.Address) error

	// Update persists every mutable field of an active address.
	Update(ctx context.Context, address *domain.Address) error

	// SoftDelete marks an address inactive and clears its default flag.
	SoftDelete(ctx context.Context, userID, id string) error

	// ClearDefaultForOthers unsets the default flag on every active address
	// of the user except excludingID.
	ClearDefaultForOthers(ctx context.Context, userID, excludingID string) error

	// FindAnyActive returns the most recently created active address other
	// than excludingID.
	FindAnyActive(ctx context.Context, userID, excludingID string) (*domain.Address, error)

	// MarkDefault sets the default flag on one active address and returns
	// the stored row. No other column is written.
	MarkDefault(ctx context.Context, userID, id string) (*domain.Address, error)

	// DeactivateAllForUser soft-deletes every active address of the user and
	// reports how many were affected.
	DeactivateAllForUser(ctx context.Context, userID string) (int64, error)

	// LockUser serializes mutations of one user's address book until the
	// surrounding transaction ends. Outside WithinTx it has no lasting effect.
	LockUser(ctx context.Context, userID string) error

	// WithinTx runs fn against a repository bound to a single transaction.
	// The transaction commits when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(AddressRepository) error) error
}
