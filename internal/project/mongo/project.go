// Package mongo reads and updates projects stored by the marketplace's document database.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	errs "github.com/frahmantamala/expert-payments/internal"
	"github.com/frahmantamala/expert-payments/internal/project"
)

const collectionName = "projects"

type projectDocument struct {
	ID                     int64      `bson:"_id"`
	ClientID               int64      `bson:"client_id"`
	ExpertID               *int64     `bson:"expert_id,omitempty"`
	Title                  string     `bson:"title"`
	PaymentStatus          string     `bson:"payment_status,omitempty"`
	PaidAmountMinorUnits   *int64     `bson:"paid_amount_minor_units,omitempty"`
	Currency               string     `bson:"currency,omitempty"`
	PlatformFeeMinorUnits  *int64     `bson:"platform_fee_minor_units,omitempty"`
	ExpertPayoutMinorUnits *int64     `bson:"expert_payout_minor_units,omitempty"`
	PaidAt                 *time.Time `bson:"paid_at,omitempty"`
	RefundAmountMinorUnits *int64     `bson:"refund_amount_minor_units,omitempty"`
	RefundReason           string     `bson:"refund_reason,omitempty"`
	RefundedAt             *time.Time `bson:"refunded_at,omitempty"`
}

type ProjectStore struct {
	coll *mongo.Collection
}

func NewProjectStore(db *mongo.Database) *ProjectStore {
	return &ProjectStore{coll: db.Collection(collectionName)}
}

var _ project.Store = (*ProjectStore)(nil)

func (s *ProjectStore) GetProject(ctx context.Context, id int64) (*project.Project, error) {
	var doc projectDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find project %d: %w", id, err)
	}
	return &project.Project{
		ID:                     doc.ID,
		ClientID:               doc.ClientID,
		ExpertID:               doc.ExpertID,
		Title:                  doc.Title,
		PaymentStatus:          doc.PaymentStatus,
		PaidAmountMinorUnits:   doc.PaidAmountMinorUnits,
		Currency:               doc.Currency,
		PlatformFeeMinorUnits:  doc.PlatformFeeMinorUnits,
		ExpertPayoutMinorUnits: doc.ExpertPayoutMinorUnits,
		PaidAt:                 doc.PaidAt,
		RefundAmountMinorUnits: doc.RefundAmountMinorUnits,
		RefundReason:           doc.RefundReason,
		RefundedAt:             doc.RefundedAt,
	}, nil
}

func (s *ProjectStore) UpdateProjectPaymentOutcome(ctx context.Context, id int64, outcome project.PaymentOutcome) error {
	set := bson.M{
		"payment_status": outcome.Status,
		"updated_at":     time.Now().UTC(),
	}
	if outcome.Status == project.PaymentStatusPaid {
		set["paid_amount_minor_units"] = outcome.AmountMinorUnits
		set["currency"] = outcome.Currency
		set["platform_fee_minor_units"] = outcome.PlatformFee
		set["expert_payout_minor_units"] = outcome.ExpertPayout
		set["paid_at"] = outcome.Date
	}

	filter := bson.M{"_id": id}
	if blocking := project.BlockingStatuses(outcome.Status); len(blocking) > 0 {
		filter["payment_status"] = bson.M{"$nin": blocking}
	}

	res, err := s.coll.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update project %d payment outcome: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return s.ensureExists(ctx, id)
	}
	return nil
}

func (s *ProjectStore) UpdateProjectRefund(ctx context.Context, id int64, outcome project.RefundOutcome) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"payment_status":            project.PaymentStatusRefunded,
		"refund_amount_minor_units": outcome.AmountMinorUnits,
		"refund_reason":             outcome.Reason,
		"refunded_at":               outcome.Date,
		"updated_at":                time.Now().UTC(),
	}})
	if err != nil {
		return fmt.Errorf("update project %d refund: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return errs.ErrProjectNotFound
	}
	return nil
}

func (s *ProjectStore) ensureExists(ctx context.Context, id int64) error {
	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("count project %d: %w", id, err)
	}
	if n == 0 {
		return errs.ErrProjectNotFound
	}
	return nil
}
