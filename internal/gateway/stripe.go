// Package gateway adapts external payment rails to domain.PaymentGateway.
package gateway

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/resilience"
)

const currency = stripe.CurrencyUSD

// StripeGateway sends external transfers as Stripe Connect transfers.
type StripeGateway struct {
	api    *client.API
	logger *slog.Logger
}

var _ domain.PaymentGateway = (*StripeGateway)(nil)

func NewStripeGateway(secretKey string, logger *slog.Logger) *StripeGateway {
	return &StripeGateway{api: client.New(secretKey, nil), logger: logger}
}

func (g *StripeGateway) ValidateDestination(_ context.Context, destination string) (bool, error) {
	acct, err := g.api.Accounts.GetByID(destination, nil)
	if err != nil {
		var se *stripe.Error
		if stderrors.As(err, &se) && (se.HTTPStatusCode == http.StatusNotFound || se.Code == stripe.ErrorCodeResourceMissing) {
			return false, nil
		}
		return false, classify(err)
	}
	if acct.Deleted {
		return false, nil
	}
	return true, nil
}

func (g *StripeGateway) CreateTransfer(_ context.Context, req domain.GatewayTransferRequest) (*domain.GatewayTransfer, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.Amount.Shift(2).IntPart()),
		Currency:    stripe.String(string(currency)),
		Destination: stripe.String(req.Destination),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.TransferGroup != "" {
		params.TransferGroup = stripe.String(req.TransferGroup)
	}
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	tr, err := g.api.Transfers.New(params)
	if err != nil {
		g.logger.Error("Stripe transfer failed",
			"destination", req.Destination,
			"idempotency_key", req.IdempotencyKey,
			"error", err,
		)
		return nil, classify(err)
	}

	g.logger.Info("Stripe transfer created", "transfer_id", tr.ID, "destination", req.Destination)
	return &domain.GatewayTransfer{TransferID: tr.ID, Status: "created"}, nil
}

// classify marks client-side Stripe errors as permanent. Rate limiting and
// idempotency races (409) stay retryable.
func classify(err error) error {
	var se *stripe.Error
	if !stderrors.As(err, &se) {
		return err
	}
	wrapped := fmt.Errorf("stripe %s: %s: %w", se.Code, se.Msg, err)
	switch {
	case se.HTTPStatusCode == http.StatusTooManyRequests, se.HTTPStatusCode == http.StatusConflict:
		return wrapped
	case se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500:
		return resilience.Permanent(wrapped)
	default:
		return wrapped
	}
}
