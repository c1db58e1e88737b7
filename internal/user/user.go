package user

import (
	"context"

	datamodel "github.com/frahmantamala/expert-payments/internal/core/datamodel/user"
)

type User struct {
	ID                 int64   `json:"id"`
	Email              string  `json:"email"`
	Name               string  `json:"name"`
	Role               string  `json:"role"`
	ExternalCustomerID *string `json:"external_customer_id,omitempty"`
}

// HasCustomer reports whether the processor customer was already created.
func (u *User) HasCustomer() bool {
	return u.ExternalCustomerID != nil && *u.ExternalCustomerID != ""
}

// Store is implemented by the postgres and mongo adapters.
type Store interface {
	// GetUser returns nil, nil when the user does not exist.
	GetUser(ctx context.Context, id int64) (*User, error)
	// SetExternalCustomerID writes customerID only if none is stored yet and returns the stored value.
	SetExternalCustomerID(ctx context.Context, id int64, customerID string) (string, error)
}

func FromDataModel(row *datamodel.User) *User {
	return &User{
		ID:                 row.ID,
		Email:              row.Email,
		Name:               row.Name,
		Role:               row.Role,
		ExternalCustomerID: row.ExternalCustomerID,
	}
}

func ToDataModel(u *User) *datamodel.User {
	return &datamodel.User{
		ID:                 u.ID,
		Email:              u.Email,
		Name:               u.Name,
		Role:               u.Role,
		ExternalCustomerID: u.ExternalCustomerID,
	}
}
