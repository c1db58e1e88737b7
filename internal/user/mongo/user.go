package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	errs "github.com/frahmantamala/expert-payments/internal"
	"github.com/frahmantamala/expert-payments/internal/user"
)

const collectionName = "users"

type userDocument struct {
	ID                 int64   `bson:"_id"`
	Email              string  `bson:"email"`
	Name               string  `bson:"name"`
	Role               string  `bson:"role"`
	ExternalCustomerID *string `bson:"external_customer_id,omitempty"`
}

type UserStore struct {
	coll *mongo.Collection
}

func NewUserStore(db *mongo.Database) *UserStore {
	return &UserStore{coll: db.Collection(collectionName)}
}

var _ user.Store = (*UserStore)(nil)

func (s *UserStore) GetUser(ctx context.Context, id int64) (*user.User, error) {
	var doc userDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find user %d: %w", id, err)
	}
	return &user.User{
		ID:                 doc.ID,
		Email:              doc.Email,
		Name:               doc.Name,
		Role:               doc.Role,
		ExternalCustomerID: doc.ExternalCustomerID,
	}, nil
}

func (s *UserStore) SetExternalCustomerID(ctx context.Context, id int64, customerID string) (string, error) {
	filter := bson.M{
		"_id": id,
		"$or": bson.A{
			bson.M{"external_customer_id": bson.M{"$exists": false}},
			bson.M{"external_customer_id": nil},
			bson.M{"external_customer_id": ""},
		},
	}
	update := bson.M{"$set": bson.M{
		"external_customer_id": customerID,
		"updated_at":           time.Now().UTC(),
	}}

	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return "", fmt.Errorf("set external customer for user %d: %w", id, err)
	}
	if res.ModifiedCount == 1 {
		return customerID, nil
	}

	u, err := s.GetUser(ctx, id)
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
