package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	stripewebhook "github.com/angelmondragon/communitypay-backend/internal/webhooks/stripe"
	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
)

type fakePaymentWebhookService struct {
	calls     int
	signature string
	payload   []byte
	err       error
}

func (f *fakePaymentWebhookService) HandlePayload(ctx context.Context, payload []byte, signature string) (*stripewebhook.Result, error) {
	f.calls++
	f.payload = payload
	f.signature = signature
	if f.err != nil {
		return nil, f.err
	}
	return &stripewebhook.Result{EventID: "evt_1", EventType: "invoice.paid", Outcome: "processed"}, nil
}

func TestPaymentWebhookPassesRawBodyAndSignature(t *testing.T) {
	svc := &fakePaymentWebhookService{}
	handler := PaymentWebhook(svc, nil)

	body := []byte(`{"id":"evt_1","type":"invoice.paid"}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, svc.calls)
	assert.Equal(t, body, svc.payload)
	assert.Equal(t, "t=1,v1=abc", svc.signature)

	var envelope struct {
		Data stripewebhook.Result `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "processed", envelope.Data.Outcome)
}

func TestPaymentWebhookMapsErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid signature", pkgerrors.New(pkgerrors.CodeInvalidSignature, "bad signature"), http.StatusBadRequest},
		{"store failure", pkgerrors.New(pkgerrors.CodeDependency, "db down"), http.StatusServiceUnavailable},
		{"untyped", assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := PaymentWebhook(&fakePaymentWebhookService{err: tt.err}, nil)
			req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader("{}"))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestPaymentWebhookRejectsOversizedBody(t *testing.T) {
	svc := &fakePaymentWebhookService{}
	handler := PaymentWebhook(svc, nil)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewReader(make([]byte, maxPayloadBytes+1)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, svc.calls)
}
