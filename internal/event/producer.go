package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/utafrali/address-service/internal/domain"
	pkgkafka "github.com/utafrali/address-service/pkg/kafka"
	"github.com/utafrali/address-service/pkg/logger"
)

// Kafka topic constants for address domain events.
var (
	TopicAddressCreated        = pkgkafka.Topic("address", "created")
	TopicAddressUpdated        = pkgkafka.Topic("address", "updated")
	TopicAddressDeleted        = pkgkafka.Topic("address", "deleted")
	TopicAddressDefaultChanged = pkgkafka.Topic("address", "default_changed")
)

// AggregateTypeAddress is the aggregate type of every address event.
const AggregateTypeAddress = "address"

// SourceAddressService identifies events originating from this service.
const SourceAddressService = "address-service"

// AddressEventData is the payload shared by all address events.
type AddressEventData struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Type      string `json:"type"`
	Label     string `json:"label"`
	City      string `json:"city"`
	Country   string `json:"country"`
	IsDefault bool   `json:"is_default"`
}

// DefaultChangedData is the payload of an address.default_changed event.
// PreviousID is empty when the user had no default before.
type DefaultChangedData struct {
	AddressEventData
	PreviousID string `json:"previous_id,omitempty"`
}

// Producer publishes address domain events. A Producer built with a nil
// publisher drops every event.
type Producer struct {
	publisher pkgkafka.Publisher
	logger    *slog.Logger
}

// NewProducer creates a new event producer for the address service.
func NewProducer(publisher pkgkafka.Publisher, logger *slog.Logger) *Producer {
	return &Producer{
		publisher: publisher,
		logger:    logger,
	}
}

// PublishAddressCreated publishes an address.created event.
func (p *Producer) PublishAddressCreated(ctx context.Context, a *domain.Address) error {
	return p.publish(ctx, TopicAddressCreated, a.ID, newAddressEventData(a))
}

// PublishAddressUpdated publishes an address.updated event.
func (p *Producer) PublishAddressUpdated(ctx context.Context, a *domain.Address) error {
	return p.publish(ctx, TopicAddressUpdated, a.ID, newAddressEventData(a))
}

// PublishAddressDeleted publishes an address.deleted event.
func (p *Producer) PublishAddressDeleted(ctx context.Context, a *domain.Address) error {
	data := newAddressEventData(a)
	data.IsDefault = false
	return p.publish(ctx, TopicAddressDeleted, a.ID, data)
}

// PublishDefaultChanged publishes an address.default_changed event for the
// user's new default.
func (p *Producer) PublishDefaultChanged(ctx context.Context, a *domain.Address, previousID string) error {
	data := DefaultChangedData{
		AddressEventData: newAddressEventData(a),
		PreviousID:       previousID,
	}
	return p.publish(ctx, TopicAddressDefaultChanged, a.ID, data)
}

func (p *Producer) publish(ctx context.Context, topic, addressID string, data any) error {
	if p == nil || p.publisher == nil {
		return nil
	}

	event, err := pkgkafka.NewEvent(topic, addressID, AggregateTypeAddress, SourceAddressService, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		event.WithCorrelationID(id)
	}

	if err := p.publisher.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}

	p.logger.DebugContext(ctx, "published address event",
		slog.String("topic", topic),
		slog.String("address_id", addressID),
	)

	return nil
}

func newAddressEventData(a *domain.Address) AddressEventData {
	return AddressEventData{
		ID:        a.ID,
		UserID:    a.UserID,
		Type:      string(a.Type),
		Label:     a.Label,
		City:      a.City,
		Country:   a.Country,
		IsDefault: a.IsDefault,
	}
}
