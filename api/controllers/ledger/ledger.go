package ledger

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/communitypay-backend/api/controllers/communitycontext"
	"github.com/angelmondragon/communitypay-backend/api/responses"
	"github.com/angelmondragon/communitypay-backend/api/validators"
	ledgersvc "github.com/angelmondragon/communitypay-backend/internal/ledger"
	"github.com/angelmondragon/communitypay-backend/pkg/db/models"
	"github.com/angelmondragon/communitypay-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
	"github.com/angelmondragon/communitypay-backend/pkg/pagination"
)

type revenueResponse struct {
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	TotalRevenue     int64     `json:"total_revenue"`
	PlatformRevenue  int64     `json:"platform_revenue"`
	CreatorRevenue   int64     `json:"creator_revenue"`
	TransactionCount int64     `json:"transaction_count"`
}

type transactionResponse struct {
	ID                   uuid.UUID       `json:"id"`
	MemberSubscriptionID *uuid.UUID      `json:"member_subscription_id,omitempty"`
	UserID               *uuid.UUID      `json:"user_id,omitempty"`
	AmountCents          int64           `json:"amount_cents"`
	PlatformAmountCents  int64           `json:"platform_amount_cents"`
	CreatorAmountCents   int64           `json:"creator_amount_cents"`
	PlatformPercentage   decimal.Decimal `json:"platform_percentage"`
	Currency             string          `json:"currency"`
	Status               string          `json:"status"`
	ProviderReference    string          `json:"provider_reference"`
	OccurredAt           time.Time       `json:"occurred_at"`
	RefundedAt           *time.Time      `json:"refunded_at,omitempty"`
}

type transactionPageResponse struct {
	Transactions []transactionResponse `json:"transactions"`
	NextCursor   string                `json:"next_cursor,omitempty"`
}

// RevenueAnalytics sums succeeded payments in the requested window. Refunded
// rows are excluded.
func RevenueAnalytics(svc ledgersvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}

		communityID, err := communitycontext.ResolveCommunityID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		start, end, err := resolveRevenueRange(r, timeNowUTC())
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out, err := svc.GetRevenueAnalytics(r.Context(), communityID, start, end)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		responses.WriteSuccess(w, revenueResponse{
			Start:            start,
			End:              end,
			TotalRevenue:     out.TotalRevenue,
			PlatformRevenue:  out.PlatformRevenue,
			CreatorRevenue:   out.CreatorRevenue,
			TransactionCount: out.TransactionCount,
		})
	}
}

func TransactionsList(svc ledgersvc.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "ledger service unavailable"))
			return
		}

		communityID, err := communitycontext.ResolveCommunityID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		limit, err := validators.ParseQueryInt(r, "limit", pagination.DefaultLimit, 1, pagination.MaxLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		params := ledgersvc.ListTransactionsParams{
			CommunityID: communityID,
			Cursor:      strings.TrimSpace(r.URL.Query().Get("cursor")),
			Limit:       limit,
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			status, err := enums.ParseTransactionStatus(raw)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status filter"))
				return
			}
			params.Status = &status
		}

		page, err := svc.ListTransactions(r.Context(), params)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		out := transactionPageResponse{
			Transactions: make([]transactionResponse, 0, len(page.Transactions)),
			NextCursor:   page.NextCursor,
		}
		for i := range page.Transactions {
			out.Transactions = append(out.Transactions, newTransactionResponse(&page.Transactions[i]))
		}
		responses.WriteSuccess(w, out)
	}
}

func newTransactionResponse(tx *models.PaymentTransaction) transactionResponse {
	return transactionResponse{
		ID:                   tx.ID,
		MemberSubscriptionID: tx.MemberSubscriptionID,
		UserID:               tx.UserID,
		AmountCents:          tx.AmountCents,
		PlatformAmountCents:  tx.PlatformAmountCents,
		CreatorAmountCents:   tx.CreatorAmountCents,
		PlatformPercentage:   tx.PlatformPercentage,
		Currency:             tx.Currency,
		Status:               string(tx.Status),
		ProviderReference:    tx.ProviderReference,
		OccurredAt:           tx.OccurredAt,
		RefundedAt:           tx.RefundedAt,
	}
}
