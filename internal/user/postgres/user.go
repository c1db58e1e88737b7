package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	errs "github.com/frahmantamala/expert-payments/internal"
	datamodel "github.com/frahmantamala/expert-payments/internal/core/datamodel/user"
	"github.com/frahmantamala/expert-payments/internal/user"
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

var _ user.Store = (*UserRepository)(nil)

func (r *UserRepository) GetUser(ctx context.Context, id int64) (*user.User, error) {
	var row datamodel.User
	err := r.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return user.FromDataModel(&row), nil
}

// SetExternalCustomerID is a conditional write; losers of a race read back the winner's value.
func (r *UserRepository) SetExternalCustomerID(ctx context.Context, id int64, customerID string) (string, error) {
	res := r.db.WithContext(ctx).Model(&datamodel.User{}).
		Where("id = ? AND (external_customer_id IS NULL OR external_customer_id = '')", id).
		Updates(map[string]interface{}{
			"external_customer_id": customerID,
			"updated_at":           time.Now().UTC(),
		})
	if res.Error != nil {
		return "", fmt.Errorf("set external customer for user %d: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return customerID, nil
	}

	u, err := r.GetUser(ctx, id)
	if err != nil {
		return "", err
	}
	if u == nil {
		return "", errs.ErrClientNotFound
	}
	if !u.HasCustomer() {
		return "", fmt.Errorf("user %d: external customer id not stored", id)
	}
	return *u.ExternalCustomerID, nil
}
