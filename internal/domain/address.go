package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/utafrali/address-service/pkg/errors"
	"github.com/utafrali/address-service/pkg/validator"
)

// MaxActiveAddresses is the number of active addresses a user may hold.
const MaxActiveAddresses = 5

// DefaultCountry applies when an address is created without a country.
const DefaultCountry = "United States"

// AddressType classifies an address.
type AddressType string

const (
	TypeHome  AddressType = "home"
	TypeWork  AddressType = "work"
	TypeOther AddressType = "other"
)

// Valid reports whether t is one of the known address types.
func (t AddressType) Valid() bool {
	switch t {
	case TypeHome, TypeWork, TypeOther:
		return true
	}
	return false
}

func init() {
	validator.RegisterValidation("address_type", "must be one of: home work other", func(s string) bool {
		return AddressType(s).Valid()
	})
}

// Address is a shipping or billing address owned by exactly one user.
// IsActive false marks a soft-deleted record: it stays stored but is hidden
// from every read and does not count towards MaxActiveAddresses.
type Address struct {
	ID           string      `json:"id"`
	UserID       string      `json:"userId" validate:"required"`
	Type         AddressType `json:"type" validate:"required,address_type"`
	Label        string      `json:"label" validate:"required,max=50"`
	FirstName    string      `json:"firstName" validate:"required,max=50"`
	LastName     string      `json:"lastName" validate:"required,max=50"`
	Phone        string      `json:"phone" validate:"required,phone"`
	AddressLine1 string      `json:"addressLine1" validate:"required,max=100"`
	AddressLine2 string      `json:"addressLine2,omitempty" validate:"max=100"`
	City         string      `json:"city" validate:"required,max=50"`
	State        string      `json:"state" validate:"required,max=50"`
	PostalCode   string      `json:"postalCode" validate:"required,max=20"`
	Country      string      `json:"country" validate:"required,max=50"`
	IsDefault    bool        `json:"isDefault"`
	IsActive     bool        `json:"isActive"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// AddressFields are the client-supplied attributes of a new address.
type AddressFields struct {
	Type         AddressType
	Label        string
	FirstName    string
	LastName     string
	Phone        string
	AddressLine1 string
	AddressLine2 string
	City         string
	State        string
	PostalCode   string
	Country      string
	IsDefault    bool
}

// AddressPatch is a partial update; nil fields are left unchanged.
type AddressPatch struct {
	Type         *AddressType
	Label        *string
	FirstName    *string
	LastName     *string
	Phone        *string
	AddressLine1 *string
	AddressLine2 *string
	City         *string
	State        *string
	PostalCode   *string
	Country      *string
	IsDefault    *bool
}

// NewAddress builds an active address for userID with a fresh ID and
// normalized fields.
func NewAddress(userID string, f AddressFields) *Address {
	now := time.Now().UTC()
	a := &Address{
		ID:           uuid.NewString(),
		UserID:       userID,
		Type:         f.Type,
		Label:        f.Label,
		FirstName:    f.FirstName,
		LastName:     f.LastName,
		Phone:        f.Phone,
		AddressLine1: f.AddressLine1,
		AddressLine2: f.AddressLine2,
		City:         f.City,
		State:        f.State,
		PostalCode:   f.PostalCode,
		Country:      f.Country,
		IsDefault:    f.IsDefault,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	a.Normalize()
	return a
}

// Apply copies every non-nil field of p onto a and normalizes the result.
// Ownership, identity and activity are never touched.
func (a *Address) Apply(p AddressPatch) {
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	if p.Type != nil {
		a.Type = *p.Type
	}
	setString(&a.Label, p.Label)
	setString(&a.FirstName, p.FirstName)
	setString(&a.LastName, p.LastName)
	setString(&a.Phone, p.Phone)
	setString(&a.AddressLine1, p.AddressLine1)
	setString(&a.AddressLine2, p.AddressLine2)
	setString(&a.City, p.City)
	setString(&a.State, p.State)
	setString(&a.PostalCode, p.PostalCode)
	setString(&a.Country, p.Country)
	if p.IsDefault != nil {
		a.IsDefault = *p.IsDefault
	}
	a.Normalize()
}

// Normalize trims surrounding whitespace and fills the type and country
// defaults when they are empty.
func (a *Address) Normalize() {
	for _, s := range []*string{
		&a.Label, &a.FirstName, &a.LastName, &a.Phone, &a.AddressLine1,
		&a.AddressLine2, &a.City, &a.State, &a.PostalCode, &a.Country,
	} {
		*s = strings.TrimSpace(*s)
	}

	a.Type = AddressType(strings.ToLower(strings.TrimSpace(string(a.Type))))
	if a.Type == "" {
		a.Type = TypeHome
	}
	if a.Country == "" {
		a.Country = DefaultCountry
	}
}

// Validate checks the field rules and returns a validation AppError listing
// every offending field by its JSON name.
func (a *Address) Validate() error {
	err := validator.Validate(a)
	if err == nil {
		return nil
	}
	if valErr, ok := err.(*validator.ValidationError); ok {
		return apperrors.Validation(valErr.Fields())
	}
	return apperrors.InvalidInput(err.Error())
}
