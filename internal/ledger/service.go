package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
	"github.com/angelmondragon/communitypay-backend/pkg/outbox"
	"github.com/angelmondragon/communitypay-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/communitypay-backend/pkg/pagination"
)

var hundred = decimal.NewFromInt(100)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service records member payments and answers revenue queries.
type Service interface {
	RecordTransaction(ctx context.Context, tx *gorm.DB, input RecordTransactionInput) (*models.PaymentTransaction, bool, error)
	MarkRefunded(ctx context.Context, tx *gorm.DB, paymentID string, refundedAt time.Time) (*models.PaymentTransaction, error)
	GetRevenueAnalytics(ctx context.Context, communityID uuid.UUID, start, end time.Time) (*RevenueAnalytics, error)
	ListTransactions(ctx context.Context, params ListTransactionsParams) (*TransactionPage, error)
}

type ServiceParams struct {
	Repo   Repository
	DB     txRunner
	Outbox outboxEmitter
	Logger *logger.Logger
}

type service struct {
	repo   Repository
	db     txRunner
	outbox outboxEmitter
	logg   *logger.Logger
}

// RecordTransactionInput captures the immutable data of one member payment.
type RecordTransactionInput struct {
	CommunityID          uuid.UUID
	MemberSubscriptionID *uuid.UUID
	UserID               *uuid.UUID
	RevenueSplitID       *uuid.UUID
	AmountCents          int64
	PlatformPercentage   decimal.Decimal
	Currency             string
	ProviderReference    string
	ProviderPaymentID    string
	OccurredAt           time.Time
	ProviderEventID      string
}

// RevenueAnalytics aggregates succeeded payments in minor currency units.
type RevenueAnalytics struct {
	TotalRevenue     int64 `json:"total_revenue" gorm:"column:total_revenue"`
	PlatformRevenue  int64 `json:"platform_revenue" gorm:"column:platform_revenue"`
	CreatorRevenue   int64 `json:"creator_revenue" gorm:"column:creator_revenue"`
	TransactionCount int64 `json:"transaction_count" gorm:"column:transaction_count"`
}

// ListTransactionsParams drives cursor pagination.
type ListTransactionsParams struct {
	CommunityID uuid.UUID
	Status      *enums.TransactionStatus
	Cursor      string
	Limit       int
}

// TransactionPage is one page of ledger rows.
type TransactionPage struct {
	Transactions []models.PaymentTransaction `json:"transactions"`
	NextCursor   string                      `json:"next_cursor,omitempty"`
}

// NewService wires a ledger service with the provided collaborators.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	if params.DB == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:   params.Repo,
		db:     params.DB,
		outbox: params.Outbox,
		logg:   params.Logger,
	}, nil
}

// Apportion splits amountCents by the platform percentage. The platform share
// is rounded half up to the minor unit and the creator receives the exact
// remainder, so the two always sum to the amount.
func Apportion(amountCents int64, platformPercentage decimal.Decimal) (platformCents, creatorCents int64) {
	platform := decimal.NewFromInt(amountCents).
		Mul(platformPercentage).
		Div(hundred).
		Round(0)
	platformCents = platform.IntPart()
	return platformCents, amountCents - platformCents
}

// RecordTransaction appends a succeeded payment. It runs inside tx when one is
// given, otherwise in its own transaction. A repeated provider reference
// returns the existing row and false, only filling in a missing payment id.
func (s *service) RecordTransaction(ctx context.Context, tx *gorm.DB, input RecordTransactionInput) (*models.PaymentTransaction, bool, error) {
	if err := validateRecordInput(input); err != nil {
		return nil, false, err
	}
	if tx == nil {
		var (
			row     *models.PaymentTransaction
			created bool
		)
		err := s.db.WithTx(ctx, func(inner *gorm.DB) error {
			var err error
			row, created, err = s.RecordTransaction(ctx, inner, input)
			return err
		})
		return row, created, err
	}

	platformCents, creatorCents := Apportion(input.AmountCents, input.PlatformPercentage)
	occurredAt := input.OccurredAt.UTC()
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	row := &models.PaymentTransaction{
		CommunityID:          input.CommunityID,
		MemberSubscriptionID: input.MemberSubscriptionID,
		UserID:               input.UserID,
		RevenueSplitID:       input.RevenueSplitID,
		AmountCents:          input.AmountCents,
		PlatformAmountCents:  platformCents,
		CreatorAmountCents:   creatorCents,
		PlatformPercentage:   input.PlatformPercentage,
		Currency:             strings.ToLower(input.Currency),
		Status:               enums.TransactionStatusSucceeded,
		ProviderReference:    input.ProviderReference,
		OccurredAt:           occurredAt,
	}
	if input.ProviderPaymentID != "" {
		paymentID := input.ProviderPaymentID
		row.ProviderPaymentID = &paymentID
	}

	repo := s.repo.WithTx(tx)
	created, err := repo.InsertIfAbsent(ctx, row)
	if err != nil {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record payment transaction")
	}
	if !created {
		if input.ProviderPaymentID != "" {
			if err := repo.FillPaymentID(ctx, input.ProviderReference, input.ProviderPaymentID); err != nil {
				return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "backfill payment id")
			}
		}
		existing, err := repo.FindByReference(ctx, input.ProviderReference)
		if err != nil {
			return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment transaction")
		}
		return existing, false, nil
	}

	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventPaymentRecorded,
		AggregateType: enums.AggregatePaymentTransaction,
		AggregateID:   row.ID,
		Actor:         &outbox.ActorRef{UserID: row.UserID, CommunityID: &row.CommunityID, ProviderEventID: input.ProviderEventID},
		Data: payloads.PaymentRecordedEvent{
			TransactionID:        row.ID,
			CommunityID:          row.CommunityID,
			MemberSubscriptionID: row.MemberSubscriptionID,
			UserID:               row.UserID,
			AmountCents:          row.AmountCents,
			PlatformAmountCents:  row.PlatformAmountCents,
			CreatorAmountCents:   row.CreatorAmountCents,
			PlatformPercentage:   row.PlatformPercentage,
			Currency:             row.Currency,
			ProviderReference:    row.ProviderReference,
			OccurredAt:           row.OccurredAt,
		},
		OccurredAt: row.OccurredAt,
	}); err != nil {
		return nil, false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit payment event")
	}

	logCtx := s.logg.WithCommunityID(ctx, row.CommunityID.String())
	logCtx = s.logg.WithFields(logCtx, map[string]any{
		"transaction_id":     row.ID.String(),
		"provider_reference": row.ProviderReference,
		"amount_cents":       row.AmountCents,
		"platform_cents":     row.PlatformAmountCents,
	})
	s.logg.Info(logCtx, "payment recorded")
	return row, true, nil
}

func validateRecordInput(input RecordTransactionInput) error {
	switch {
	case input.CommunityID == uuid.Nil:
		return pkgerrors.New(pkgerrors.CodeValidation, "community id is required")
	case input.AmountCents < 0:
		return pkgerrors.New(pkgerrors.CodeValidation, "amount must not be negative")
	case strings.TrimSpace(input.ProviderReference) == "":
		return pkgerrors.New(pkgerrors.CodeValidation, "provider reference is required")
	case len(strings.TrimSpace(input.Currency)) != 3:
		return pkgerrors.New(pkgerrors.CodeValidation, "currency must be an ISO 4217 code")
	case input.PlatformPercentage.IsNegative() || input.PlatformPercentage.GreaterThan(hundred):
		return pkgerrors.New(pkgerrors.CodeValidation, "platform percentage must be between 0 and 100")
	}
	return nil
}

// MarkRefunded flips the row paid by paymentID to refunded. Unknown payments
// return nil without error since platform payments never enter the ledger.
func (s *service) MarkRefunded(ctx context.Context, tx *gorm.DB, paymentID string, refundedAt time.Time) (*models.PaymentTransaction, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "payment id is required")
	}
	repo := s.repo.WithTx(tx)
	row, err := repo.FindByPaymentID(ctx, paymentID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment transaction")
	}
	if row == nil {
		row, err = repo.FindByReference(ctx, paymentID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment transaction")
		}
	}
	if row == nil || row.Status == enums.TransactionStatusRefunded {
		return row, nil
	}

	at := refundedAt.UTC()
	if err := repo.MarkRefunded(ctx, row.ID, at); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark payment refunded")
	}
	row.Status = enums.TransactionStatusRefunded
	row.RefundedAt = &at

	if tx != nil {
		if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentRefunded,
			AggregateType: enums.AggregatePaymentTransaction,
			AggregateID:   row.ID,
			Actor:         &outbox.ActorRef{CommunityID: &row.CommunityID},
			Data: payloads.PaymentRefundedEvent{
				TransactionID:     row.ID,
				CommunityID:       row.CommunityID,
				AmountCents:       row.AmountCents,
				ProviderReference: row.ProviderReference,
				RefundedAt:        at,
			},
			OccurredAt: at,
		}); err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit refund event")
		}
	}
	s.logg.Info(s.logg.WithField(ctx, "transaction_id", row.ID.String()), "payment marked refunded")
	return row, nil
}

func (s *service) GetRevenueAnalytics(ctx context.Context, communityID uuid.UUID, start, end time.Time) (*RevenueAnalytics, error) {
	if communityID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "community id is required")
	}
	if start.IsZero() || end.IsZero() || !end.After(start) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "end date must be after start date")
	}
	out, err := s.repo.SumSucceeded(ctx, communityID, start, end)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "aggregate revenue")
	}
	return out, nil
}

func (s *service) ListTransactions(ctx context.Context, params ListTransactionsParams) (*TransactionPage, error) {
	if params.CommunityID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "community id is required")
	}
	cursor, err := pagination.ParseCursor(params.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	rows, next, err := s.repo.List(ctx, ListQuery{
		CommunityID: params.CommunityID,
		Status:      params.Status,
		Cursor:      cursor,
		Limit:       params.Limit,
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list transactions")
	}
	page := &TransactionPage{Transactions: rows}
	if page.Transactions == nil {
		page.Transactions = []models.PaymentTransaction{}
	}
	if next != nil {
		page.NextCursor = pagination.EncodeCursor(*next)
	}
	return page, nil
}
