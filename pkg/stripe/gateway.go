package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/account"
	"github.com/stripe/stripe-go/v84/accountlink"
	checkoutsession "github.com/stripe/stripe-go/v84/checkout/session"
	"github.com/stripe/stripe-go/v84/customer"
	"github.com/stripe/stripe-go/v84/price"
	"github.com/stripe/stripe-go/v84/product"
	"github.com/stripe/stripe-go/v84/subscription"

	pkgerrors "github.com/angelmondragon/communitypay-backend/pkg/errors"
)

const accountLinkTypeOnboarding = "account_onboarding"

// AccountState is the provider-side view of a connected account.
type AccountState struct {
	AccountID           string
	ChargesEnabled      bool
	PayoutsEnabled      bool
	DetailsSubmitted    bool
	CurrentlyDue        []string
	PastDue             []string
	PendingVerification []string
	Metadata            map[string]string
}

// CreateAccountInput describes a new connected account.
type CreateAccountInput struct {
	CommunityID    string
	Email          string
	Country        string
	BusinessType   string
	AccountType    string
	IdempotencyKey string
}

// ProductInput describes a product created on a connected account.
type ProductInput struct {
	AccountID      string
	Name           string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// PriceInput describes a recurring price attached to a product.
type PriceInput struct {
	AccountID      string
	ProductID      string
	UnitAmount     int64
	Currency       string
	Interval       string
	Metadata       map[string]string
	IdempotencyKey string
}

// CustomerInput describes a billing customer. An empty AccountID creates the
// customer on the platform account.
type CustomerInput struct {
	AccountID      string
	Email          string
	Metadata       map[string]string
	IdempotencyKey string
}

// CheckoutInput describes a hosted subscription checkout.
type CheckoutInput struct {
	AccountID             string
	CustomerID            string
	PriceID               string
	TrialDays             int64
	ApplicationFeePercent *float64
	Metadata              map[string]string
	SuccessURL            string
	CancelURL             string
}

// CheckoutSession is the subset of a checkout session callers need.
type CheckoutSession struct {
	ID  string
	URL string
}

// Gateway performs the provider calls used by the billing services. Every
// error it returns is a typed pkg/errors value.
type Gateway struct{}

// NewGateway returns a gateway bound to the initialized client. The client
// must exist so stripe.Key has been configured.
func NewGateway(client *Client) (*Gateway, error) {
	if client == nil {
		return nil, errors.New("stripe client is required")
	}
	return &Gateway{}, nil
}

func (g *Gateway) CreateConnectedAccount(ctx context.Context, input CreateAccountInput) (string, error) {
	params := accountParams(input)
	params.Context = ctx
	acct, err := account.New(params)
	if err != nil {
		return "", classifyError("create connected account", err)
	}
	return acct.ID, nil
}

func (g *Gateway) GetAccount(ctx context.Context, accountID string) (*AccountState, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx
	acct, err := account.GetByID(accountID, params)
	if err != nil {
		return nil, classifyError("retrieve connected account", err)
	}
	return AccountStateFromStripe(acct), nil
}

func (g *Gateway) CreateOnboardingLink(ctx context.Context, accountID, returnURL, refreshURL string) (string, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		ReturnURL:  stripe.String(returnURL),
		RefreshURL: stripe.String(refreshURL),
		Type:       stripe.String(accountLinkTypeOnboarding),
	}
	params.Context = ctx
	link, err := accountlink.New(params)
	if err != nil {
		return "", classifyError("create onboarding link", err)
	}
	return link.URL, nil
}

func (g *Gateway) CreateProduct(ctx context.Context, input ProductInput) (string, error) {
	params := productParams(input)
	params.Context = ctx
	prod, err := product.New(params)
	if err != nil {
		return "", classifyError("create product", err)
	}
	return prod.ID, nil
}

func (g *Gateway) CreatePrice(ctx context.Context, input PriceInput) (string, error) {
	params := priceParams(input)
	params.Context = ctx
	pr, err := price.New(params)
	if err != nil {
		return "", classifyError("create price", err)
	}
	return pr.ID, nil
}

func (g *Gateway) CreateCustomer(ctx context.Context, input CustomerInput) (string, error) {
	params := &stripe.CustomerParams{}
	if input.Email != "" {
		params.Email = stripe.String(input.Email)
	}
	for k, v := range input.Metadata {
		params.AddMetadata(k, v)
	}
	if input.AccountID != "" {
		params.SetStripeAccount(input.AccountID)
	}
	if input.IdempotencyKey != "" {
		params.SetIdempotencyKey(input.IdempotencyKey)
	}
	params.Context = ctx
	cust, err := customer.New(params)
	if err != nil {
		return "", classifyError("create customer", err)
	}
	return cust.ID, nil
}

func (g *Gateway) CreateCheckoutSession(ctx context.Context, input CheckoutInput) (*CheckoutSession, error) {
	params := checkoutParams(input)
	params.Context = ctx
	sess, err := checkoutsession.New(params)
	if err != nil {
		return nil, classifyError("create checkout session", err)
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

func (g *Gateway) CancelSubscription(ctx context.Context, accountID, subscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{}
	if accountID != "" {
		params.SetStripeAccount(accountID)
	}
	params.Context = ctx
	if _, err := subscription.Cancel(subscriptionID, params); err != nil {
		return classifyError("cancel subscription", err)
	}
	return nil
}

// AccountStateFromStripe flattens a provider account object.
func AccountStateFromStripe(acct *stripe.Account) *AccountState {
	if acct == nil {
		return nil
	}
	state := &AccountState{
		AccountID:        acct.ID,
		ChargesEnabled:   acct.ChargesEnabled,
		PayoutsEnabled:   acct.PayoutsEnabled,
		DetailsSubmitted: acct.DetailsSubmitted,
		Metadata:         acct.Metadata,
	}
	if acct.Requirements != nil {
		state.CurrentlyDue = acct.Requirements.CurrentlyDue
		state.PastDue = acct.Requirements.PastDue
		state.PendingVerification = acct.Requirements.PendingVerification
	}
	return state
}

func accountParams(input CreateAccountInput) *stripe.AccountParams {
	accountType := strings.TrimSpace(input.AccountType)
	if accountType == "" {
		accountType = string(stripe.AccountTypeExpress)
	}
	params := &stripe.AccountParams{
		Type:  stripe.String(accountType),
		Email: stripe.String(input.Email),
		Capabilities: &stripe.AccountCapabilitiesParams{
			CardPayments: &stripe.AccountCapabilitiesCardPaymentsParams{Requested: stripe.Bool(true)},
			Transfers:    &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
		},
	}
	if input.Country != "" {
		params.Country = stripe.String(strings.ToUpper(input.Country))
	}
	if input.BusinessType != "" {
		params.BusinessType = stripe.String(input.BusinessType)
	}
	if input.CommunityID != "" {
		params.AddMetadata("community_id", input.CommunityID)
	}
	if input.IdempotencyKey != "" {
		params.SetIdempotencyKey(input.IdempotencyKey)
	}
	return params
}

func productParams(input ProductInput) *stripe.ProductParams {
	params := &stripe.ProductParams{Name: stripe.String(input.Name)}
	if input.Description != "" {
		params.Description = stripe.String(input.Description)
	}
	for k, v := range input.Metadata {
		params.AddMetadata(k, v)
	}
	if input.AccountID != "" {
		params.SetStripeAccount(input.AccountID)
	}
	if input.IdempotencyKey != "" {
		params.SetIdempotencyKey(input.IdempotencyKey)
	}
	return params
}

func priceParams(input PriceInput) *stripe.PriceParams {
	params := &stripe.PriceParams{
		Product:    stripe.String(input.ProductID),
		UnitAmount: stripe.Int64(input.UnitAmount),
		Currency:   stripe.String(strings.ToLower(input.Currency)),
		Recurring: &stripe.PriceRecurringParams{
			Interval: stripe.String(input.Interval),
		},
	}
	for k, v := range input.Metadata {
		params.AddMetadata(k, v)
	}
	if input.AccountID != "" {
		params.SetStripeAccount(input.AccountID)
	}
	if input.IdempotencyKey != "" {
		params.SetIdempotencyKey(input.IdempotencyKey)
	}
	return params
}

func checkoutParams(input CheckoutInput) *stripe.CheckoutSessionParams {
	subData := &stripe.CheckoutSessionSubscriptionDataParams{
		Metadata: copyMetadata(input.Metadata),
	}
	if input.TrialDays > 0 {
		subData.TrialPeriodDays = stripe.Int64(input.TrialDays)
	}
	if input.ApplicationFeePercent != nil {
		subData.ApplicationFeePercent = stripe.Float64(*input.ApplicationFeePercent)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(input.CustomerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(input.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:       stripe.String(input.SuccessURL),
		CancelURL:        stripe.String(input.CancelURL),
		SubscriptionData: subData,
	}
	for k, v := range input.Metadata {
		params.AddMetadata(k, v)
	}
	if input.AccountID != "" {
		params.SetStripeAccount(input.AccountID)
	}
	return params
}

func copyMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// classifyError converts SDK failures into the service error taxonomy.
// Rate limits, provider 5xx, auth misconfiguration and transport failures
// are retryable; rejected requests surface as validation errors.
func classifyError(operation string, err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch {
		case stripeErr.Type == stripe.ErrorTypeIdempotency:
			return pkgerrors.Wrap(pkgerrors.CodeConflict, err, fmt.Sprintf("%s: idempotency conflict", operation))
		case stripeErr.HTTPStatusCode == http.StatusBadRequest,
			stripeErr.HTTPStatusCode == http.StatusPaymentRequired,
			stripeErr.HTTPStatusCode == http.StatusNotFound:
			return pkgerrors.Wrap(pkgerrors.CodeValidation, err, fmt.Sprintf("%s: %s", operation, stripeErr.Msg)).
				WithDetails(map[string]any{"provider_code": string(stripeErr.Code)})
		}
	}
	return pkgerrors.Wrap(pkgerrors.CodeProviderUnavailable, err, fmt.Sprintf("%s failed", operation))
}
