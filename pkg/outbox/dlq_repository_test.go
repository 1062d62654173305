package outbox

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/communitypay-backend/internal/testdb"
	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/enums"
)

func deadLetter(reason enums.OutboxDLQErrorReason, failedAt time.Time, msg string) models.OutboxDLQ {
	return models.OutboxDLQ{
		EventID:       uuid.New(),
		EventType:     enums.EventPaymentRecorded,
		AggregateType: enums.AggregatePaymentTransaction,
		AggregateID:   uuid.New(),
		Payload:       []byte(`{"version":1}`),
		ErrorReason:   reason,
		ErrorMessage:  &msg,
		AttemptCount:  3,
		FailedAt:      failedAt,
	}
}

func TestDLQRepositoryInsertClipsMessage(t *testing.T) {
	conn := testdb.Open(t)
	repo := NewDLQRepository(conn)
	long := strings.Repeat("é", dlqMessageLimit)
	entry := deadLetter(enums.OutboxDLQReasonMaxAttempts, time.Now().UTC(), long)

	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		return repo.InsertTx(tx, entry)
	}))

	got, err := repo.FindByEventID(context.Background(), entry.EventID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.ErrorMessage)
	assert.LessOrEqual(t, len(*got.ErrorMessage), dlqMessageLimit)
	assert.True(t, utf8.ValidString(*got.ErrorMessage))

	missing, err := repo.FindByEventID(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	assert.Error(t, repo.InsertTx(nil, entry))
}

func TestDLQRepositoryListAndPrune(t *testing.T) {
	conn := testdb.Open(t)
	repo := NewDLQRepository(conn)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	old := deadLetter(enums.OutboxDLQReasonNonRetryable, now.AddDate(0, 0, -120), "rejected")
	recent := deadLetter(enums.OutboxDLQReasonMaxAttempts, now.AddDate(0, 0, -1), "timeout")
	require.NoError(t, conn.Transaction(func(tx *gorm.DB) error {
		if err := repo.InsertTx(tx, old); err != nil {
			return err
		}
		return repo.InsertTx(tx, recent)
	}))

	all, err := repo.List(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, recent.EventID, all[0].EventID)

	reason := enums.OutboxDLQReasonNonRetryable
	filtered, err := repo.List(ctx, &reason, 10)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, old.EventID, filtered[0].EventID)

	deleted, err := repo.DeleteFailedBefore(ctx, now.AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	remaining, err := repo.List(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, recent.EventID, remaining[0].EventID)
}

func TestClipMessageKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "ab", clipMessage("ab", 4))
	assert.Equal(t, "a", clipMessage("aé", 2))
}
