package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	pkgkafka "github.com/utafrali/address-service/pkg/kafka"
)

// TopicUserDeleted is published by the user service when an account is removed.
var TopicUserDeleted = pkgkafka.Topic("user", "deleted")

// UserDeletedData is the payload of a user.deleted event.
type UserDeletedData struct {
	UserID string `json:"user_id"`
}

// AddressDeactivator soft-deletes every address of a user.
type AddressDeactivator interface {
	DeactivateAllForUser(ctx context.Context, userID string) (int64, error)
}

// UserEventHandler reacts to user lifecycle events.
type UserEventHandler struct {
	addresses AddressDeactivator
	logger    *slog.Logger
}

// NewUserEventHandler creates a handler that deactivates the addresses of
// deleted users.
func NewUserEventHandler(addresses AddressDeactivator, logger *slog.Logger) *UserEventHandler {
	return &UserEventHandler{addresses: addresses, logger: logger}
}

// Handle processes one user event. Event types other than user.deleted are
// ignored.
func (h *UserEventHandler) Handle(ctx context.Context, event *pkgkafka.Event) error {
	if event.EventType != TopicUserDeleted {
		h.logger.DebugContext(ctx, "ignoring user event", slog.String("event_type", event.EventType))
		return nil
	}

	var data UserDeletedData
	if len(event.Data) > 0 {
		if err := event.DecodeData(&data); err != nil {
			return err
		}
	}
	userID := data.UserID
	if userID == "" {
		userID = event.AggregateID
	}
	if userID == "" {
		return errors.New("user.deleted event without user id")
	}

	n, err := h.addresses.DeactivateAllForUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("deactivate addresses of user %s: %w", userID, err)
	}

	h.logger.InfoContext(ctx, "deactivated addresses of deleted user",
		slog.String("user_id", userID),
		slog.Int64("count", n),
	)
	return nil
}
