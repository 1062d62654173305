package webhooks

import (
	"context"
	"io"
	"net/http"

	"github.com/angelmondragon/communitypay-backend/api/responses"
	stripewebhook "github.com/angelmondragon/communitypay-backend/internal/webhooks/stripe"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
	"github.com/angelmondragon/communitypay-backend/pkg/logger"
)

// maxPayloadBytes matches the provider's documented event size ceiling.
const maxPayloadBytes = 65536

type PaymentWebhookService interface {
	HandlePayload(ctx context.Context, payload []byte, signature string) (*stripewebhook.Result, error)
}

// PaymentWebhook receives provider events for the platform and for every
// connected account.
func PaymentWebhook(svc PaymentWebhookService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
			return
		}

		result, err := svc.HandlePayload(ctx, payload, r.Header.Get("Stripe-Signature"))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, result)
	}
}
