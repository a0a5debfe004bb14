package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/utafrali/address-service/internal/domain"
	"github.com/utafrali/address-service/internal/repository"
	apperrors "github.com/utafrali/address-service/pkg/errors"
)

// DefaultAddressCache caches the default address of each user.
type DefaultAddressCache interface {
	Get(ctx context.Context, userID string) (*domain.Address, bool, error)
	// Generation returns a counter that changes on every Invalidate.
	Generation(ctx context.Context, userID string) (int64, error)
	// Set caches a only while the owner's generation equals generation.
	Set(ctx context.Context, a *domain.Address, generation int64) error
	Invalidate(ctx context.Context, userID string) error
}

// EventPublisher emits address domain events.
type EventPublisher interface {
	PublishAddressCreated(ctx context.Context, a *domain.Address) error
	PublishAddressUpdated(ctx context.Context, a *domain.Address) error
	PublishAddressDeleted(ctx context.Context, a *domain.Address) error
	PublishDefaultChanged(ctx context.Context, a *domain.Address, previousID string) error
}

// CreateAddressInput holds the parameters for creating a new address.
type CreateAddressInput = domain.AddressFields

// UpdateAddressInput holds the parameters for a partial address update.
// Nil fields are left unchanged.
type UpdateAddressInput = domain.AddressPatch

// AddressService implements the address book operations and keeps the
// single-default and active-address-cap rules after every mutation.
type AddressService struct {
	repo   repository.AddressRepository
	cache  DefaultAddressCache
	events EventPublisher
	logger *slog.Logger
}

// NewAddressService creates a new address service.
func NewAddressService(
	repo repository.AddressRepository,
	cache DefaultAddressCache,
	events EventPublisher,
	logger *slog.Logger,
) *AddressService {
	return &AddressService{
		repo:   repo,
		cache:  cache,
		events: events,
		logger: logger,
	}
}

// List returns the user's active addresses. The result is never nil.
func (s *AddressService) List(ctx context.Context, userID string) ([]domain.Address, error) {
	addresses, err := s.repo.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	if addresses == nil {
		addresses = []domain.Address{}
	}
	return addresses, nil
}

// Get returns one active address owned by userID.
func (s *AddressService) Get(ctx context.Context, userID, addressID string) (*domain.Address, error) {
	a, err := s.repo.GetForUser(ctx, userID, addressID)
	if err != nil {
		return nil, fmt.Errorf("get address: %w", err)
	}
	return a, nil
}

// GetDefault returns the user's default address, or nil when the user has
// none.
func (s *AddressService) GetDefault(ctx context.Context, userID string) (*domain.Address, error) {
	cached, ok, err := s.cache.Get(ctx, userID)
	if err != nil {
		s.logger.WarnContext(ctx, "default address cache read failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	} else if ok {
		return cached, nil
	}

	// The generation is read before the database so that a mutation landing
	// in between makes the write below a no-op.
	generation, genErr := s.cache.Generation(ctx, userID)
	if genErr != nil {
		s.logger.WarnContext(ctx, "default address cache generation read failed",
			slog.String("user_id", userID),
			slog.String("error", genErr.Error()),
		)
	}

	a, err := s.repo.GetDefault(ctx, userID)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get default address: %w", err)
	}

	if genErr != nil {
		return a, nil
	}
	if err := s.cache.Set(ctx, a, generation); err != nil {
		s.logger.WarnContext(ctx, "default address cache write failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
	return a, nil
}

// Create adds a new address for the user. When the input asks to be the
// default, every other default of the user is cleared in the same
// transaction.
func (s *AddressService) Create(ctx context.Context, userID string, input CreateAddressInput) (*domain.Address, error) {
	address := domain.NewAddress(userID, input)
	if err := address.Validate(); err != nil {
		return nil, err
	}

	var previousID string
	err := s.repo.WithinTx(ctx, func(repo repository.AddressRepository) error {
		if err := repo.LockUser(ctx, userID); err != nil {
			return err
		}

		count, err := repo.CountActive(ctx, userID, "")
		if err != nil {
			return fmt.Errorf("count addresses: %w", err)
		}
		if count >= domain.MaxActiveAddresses {
			return apperrors.LimitExceeded(fmt.Sprintf("a user may have at most %d active addresses", domain.MaxActiveAddresses))
		}

		if address.IsDefault {
			previousID = s.currentDefaultID(ctx, repo, userID)
			if err := repo.ClearDefaultForOthers(ctx, userID, ""); err != nil {
				return fmt.Errorf("clear default addresses: %w", err)
			}
		}

		if err := repo.Create(ctx, address); err != nil {
			return fmt.Errorf("create address: %w", err)
		}
		return nil
	})
	if address.IsDefault {
		s.invalidate(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	s.emit(ctx, "address.created", address, s.events.PublishAddressCreated(ctx, address))
	if address.IsDefault {
		s.emit(ctx, "address.default_changed", address, s.events.PublishDefaultChanged(ctx, address, previousID))
	}

	s.logger.InfoContext(ctx, "address created",
		slog.String("user_id", userID),
		slog.String("address_id", address.ID),
		slog.Bool("is_default", address.IsDefault),
	)

	return address, nil
}

// Update applies a partial update to an address owned by userID.
func (s *AddressService) Update(ctx context.Context, userID, addressID string, input UpdateAddressInput) (*domain.Address, error) {
	var (
		address        *domain.Address
		previousID     string
		becameDefault  bool
		touchesDefault bool
	)
	err := s.repo.WithinTx(ctx, func(repo repository.AddressRepository) error {
		if err := repo.LockUser(ctx, userID); err != nil {
			return err
		}

		var err error
		address, err = repo.GetForUser(ctx, userID, addressID)
		if err != nil {
			return fmt.Errorf("get address for update: %w", err)
		}

		wasDefault := address.IsDefault
		address.Apply(input)
		if err := address.Validate(); err != nil {
			return err
		}

		becameDefault = address.IsDefault && !wasDefault
		touchesDefault = wasDefault || address.IsDefault
		if input.IsDefault != nil && *input.IsDefault {
			if becameDefault {
				previousID = s.currentDefaultID(ctx, repo, userID)
			}
			if err := repo.ClearDefaultForOthers(ctx, userID, addressID); err != nil {
				return fmt.Errorf("clear default addresses: %w", err)
			}
		}

		if err := repo.Update(ctx, address); err != nil {
			return fmt.Errorf("update address: %w", err)
		}
		return nil
	})
	if touchesDefault {
		s.invalidate(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	s.emit(ctx, "address.updated", address, s.events.PublishAddressUpdated(ctx, address))
	if becameDefault {
		s.emit(ctx, "address.default_changed", address, s.events.PublishDefaultChanged(ctx, address, previousID))
	}

	s.logger.InfoContext(ctx, "address updated",
		slog.String("user_id", userID),
		slog.String("address_id", addressID),
	)

	return address, nil
}

// SetDefault makes the address the user's only default. Calling it on the
// current default succeeds without writing.
func (s *AddressService) SetDefault(ctx context.Context, userID, addressID string) (*domain.Address, error) {
	var (
		address    *domain.Address
		previousID string
		changed    bool
	)
	err := s.repo.WithinTx(ctx, func(repo repository.AddressRepository) error {
		if err := repo.LockUser(ctx, userID); err != nil {
			return err
		}

		current, err := repo.GetForUser(ctx, userID, addressID)
		if err != nil {
			return fmt.Errorf("get address for set default: %w", err)
		}
		if current.IsDefault {
			address = current
			return nil
		}

		changed = true
		previousID = s.currentDefaultID(ctx, repo, userID)
		if err := repo.ClearDefaultForOthers(ctx, userID, addressID); err != nil {
			return fmt.Errorf("clear default addresses: %w", err)
		}

		address, err = repo.MarkDefault(ctx, userID, addressID)
		if err != nil {
			return fmt.Errorf("set default address: %w", err)
		}
		return nil
	})
	if changed {
		s.invalidate(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	if !changed {
		return address, nil
	}

	s.emit(ctx, "address.default_changed", address, s.events.PublishDefaultChanged(ctx, address, previousID))

	s.logger.InfoContext(ctx, "default address updated",
		slog.String("user_id", userID),
		slog.String("address_id", addressID),
		slog.String("previous_id", previousID),
	)

	return address, nil
}

// Delete soft-deletes an address. When it was the default, the most
// recently created remaining address becomes the new default. A user left
// without active addresses simply has no default.
func (s *AddressService) Delete(ctx context.Context, userID, addressID string) error {
	var (
		address  *domain.Address
		promoted *domain.Address
	)
	err := s.repo.WithinTx(ctx, func(repo repository.AddressRepository) error {
		if err := repo.LockUser(ctx, userID); err != nil {
			return err
		}

		var err error
		address, err = repo.GetForUser(ctx, userID, addressID)
		if err != nil {
			return fmt.Errorf("get address for delete: %w", err)
		}

		if err := repo.SoftDelete(ctx, userID, addressID); err != nil {
			return fmt.Errorf("delete address: %w", err)
		}

		if address.IsDefault {
			promoted = s.promoteDefault(ctx, repo, userID, addressID)
		}
		return nil
	})
	if address != nil && address.IsDefault {
		s.invalidate(ctx, userID)
	}
	if err != nil {
		return err
	}

	address.IsActive = false
	address.IsDefault = false
	s.emit(ctx, "address.deleted", address, s.events.PublishAddressDeleted(ctx, address))

	if promoted != nil {
		s.emit(ctx, "address.default_changed", promoted, s.events.PublishDefaultChanged(ctx, promoted, addressID))
		s.logger.InfoContext(ctx, "default address promoted",
			slog.String("user_id", userID),
			slog.String("address_id", promoted.ID),
			slog.String("previous_id", addressID),
		)
	}

	s.logger.InfoContext(ctx, "address deleted",
		slog.String("user_id", userID),
		slog.String("address_id", addressID),
	)

	return nil
}

// DeactivateAllForUser soft-deletes every address of a user, typically
// after the account itself was removed.
func (s *AddressService) DeactivateAllForUser(ctx context.Context, userID string) (int64, error) {
	n, err := s.repo.DeactivateAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("deactivate addresses: %w", err)
	}
	s.invalidate(ctx, userID)

	s.logger.InfoContext(ctx, "user addresses deactivated",
		slog.String("user_id", userID),
		slog.Int64("count", n),
	)

	return n, nil
}

// promoteDefault marks the newest remaining address as default after the
// previous default was deleted. It runs in a nested transaction so that a
// failure is logged and rolled back without undoing the delete.
func (s *AddressService) promoteDefault(ctx context.Context, repo repository.AddressRepository, userID, deletedID string) *domain.Address {
	var candidate, promoted *domain.Address
	err := repo.WithinTx(ctx, func(repo repository.AddressRepository) error {
		var err error
		candidate, err = repo.FindAnyActive(ctx, userID, deletedID)
		if err != nil {
			return err
		}
		promoted, err = repo.MarkDefault(ctx, userID, candidate.ID)
		return err
	})
	if err == nil {
		return promoted
	}

	if candidate == nil && errors.Is(err, apperrors.ErrNotFound) {
		s.logger.InfoContext(ctx, "no address left to promote as default",
			slog.String("user_id", userID),
		)
		return nil
	}

	attrs := []any{
		slog.String("user_id", userID),
		slog.String("error", err.Error()),
	}
	if candidate != nil {
		attrs = append(attrs, slog.String("address_id", candidate.ID))
	}
	s.logger.ErrorContext(ctx, "failed to promote default address", attrs...)
	return nil
}

// currentDefaultID returns the ID of the user's current default, or "" when
// there is none or it cannot be read.
func (s *AddressService) currentDefaultID(ctx context.Context, repo repository.AddressRepository, userID string) string {
	a, err := repo.GetDefault(ctx, userID)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			s.logger.WarnContext(ctx, "failed to read current default address",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		return ""
	}
	return a.ID
}

func (s *AddressService) invalidate(ctx context.Context, userID string) {
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.logger.WarnContext(ctx, "default address cache invalidation failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

// emit logs a failed event publication. Events never fail the request.
func (s *AddressService) emit(ctx context.Context, eventType string, a *domain.Address, err error) {
	if err == nil {
		return
	}
	s.logger.ErrorContext(ctx, "failed to publish event",
		slog.String("event_type", eventType),
		slog.String("address_id", a.ID),
		slog.String("error", err.Error()),
	)
}
