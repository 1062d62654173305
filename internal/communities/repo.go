package communities

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
)

// CreatorContact identifies the person billed on behalf of a community.
type CreatorContact struct {
	ID      uuid.UUID
	Email   string
	Country string
}

// Repository reads the community directory.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByID(ctx context.Context, id uuid.UUID) (*models.Community, error)
	LockByID(ctx context.Context, id uuid.UUID) (*models.Community, error)
	GetCreatorContact(ctx context.Context, id uuid.UUID) (*CreatorContact, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a community repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Community, error) {
	var community models.Community
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&community).Error; err != nil {
		return nil, notFound(err, id)
	}
	return &community, nil
}

// LockByID reads the community row FOR UPDATE. Writers that must serialize per
// community take this lock first.
func (r *repository) LockByID(ctx context.Context, id uuid.UUID) (*models.Community, error) {
	var community models.Community
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&community).Error; err != nil {
		return nil, notFound(err, id)
	}
	return &community, nil
}

func (r *repository) GetCreatorContact(ctx context.Context, id uuid.UUID) (*CreatorContact, error) {
	community, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &CreatorContact{
		ID:      community.OwnerUserID,
		Email:   community.OwnerEmail,
		Country: community.Country,
	}, nil
}

func notFound(err error, id uuid.UUID) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeCommunityNotFound, "community not found").
			WithDetails(map[string]any{"community_id": id})
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load community")
}
