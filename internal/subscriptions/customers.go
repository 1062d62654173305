package subscriptions

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
	pkgstripe "github.com/angelmondragon/communitypay-backend/pkg/stripe"
)

// CustomerRepository maps local users to provider customers.
type CustomerRepository interface {
	Find(ctx context.Context, communityID, userID uuid.UUID, providerAccountID string) (*models.BillingCustomer, error)
	Insert(ctx context.Context, customer *models.BillingCustomer) error
}

type customerRepository struct {
	db *gorm.DB
}

// NewCustomerRepository returns a billing customer repository.
func NewCustomerRepository(db *gorm.DB) CustomerRepository {
	return &customerRepository{db: db}
}

func (r *customerRepository) Find(ctx context.Context, communityID, userID uuid.UUID, providerAccountID string) (*models.BillingCustomer, error) {
	var customer models.BillingCustomer
	err := r.db.WithContext(ctx).
		Where("community_id = ? AND user_id = ? AND provider_account_id = ?", communityID, userID, providerAccountID).
		First(&customer).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &customer, nil
}

// Insert keeps the first mapping when two checkouts race for the same user.
func (r *customerRepository) Insert(ctx context.Context, customer *models.BillingCustomer) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "community_id"},
				{Name: "user_id"},
				{Name: "provider_account_id"},
			},
			DoNothing: true,
		}).
		Create(customer).Error
}

type customerRequest struct {
	CommunityID       uuid.UUID
	UserID            uuid.UUID
	ProviderAccountID string
	Email             string
	Metadata          map[string]string
}

// resolveCustomer returns the provider customer for the user within the given
// account namespace, creating it on first use.
func (s *service) resolveCustomer(ctx context.Context, req customerRequest) (string, error) {
	existing, err := s.customers.Find(ctx, req.CommunityID, req.UserID, req.ProviderAccountID)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load billing customer")
	}
	if existing != nil {
		return existing.ProviderCustomerID, nil
	}

	namespace := req.ProviderAccountID
	if namespace == "" {
		namespace = "platform"
	}
	customerID, err := s.gateway.CreateCustomer(ctx, pkgstripe.CustomerInput{
		AccountID:      req.ProviderAccountID,
		Email:          req.Email,
		Metadata:       req.Metadata,
		IdempotencyKey: fmt.Sprintf("billing-customer:%s:%s:%s", req.CommunityID, req.UserID, namespace),
	})
	if err != nil {
		return "", err
	}

	if err := s.customers.Insert(ctx, &models.BillingCustomer{
		CommunityID:        req.CommunityID,
		UserID:             req.UserID,
		ProviderAccountID:  req.ProviderAccountID,
		ProviderCustomerID: customerID,
		Email:              req.Email,
	}); err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store billing customer")
	}

	// A concurrent request may have stored a different customer first.
	stored, err := s.customers.Find(ctx, req.CommunityID, req.UserID, req.ProviderAccountID)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload billing customer")
	}
	if stored != nil {
		return stored.ProviderCustomerID, nil
	}
	return customerID, nil
}
