package user

import "time"

type User struct {
	ID                 int64     `gorm:"primaryKey"`
	Email              string    `gorm:"column:email;uniqueIndex;not null"`
	Name               string    `gorm:"column:name;not null"`
	Role               string    `gorm:"column:role;not null"`
	ExternalCustomerID *string   `gorm:"column:external_customer_id"`
	CreatedAt          time.Time `gorm:"column:created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at"`
}

func (User) TableName() string {
	return "users"
}
