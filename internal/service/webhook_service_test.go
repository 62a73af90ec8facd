package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/errors"
	"transfer-saga/internal/metrics"
	"transfer-saga/internal/testsupport"
)

// initiated leaves an external transfer of 400.00 awaiting the gateway's
// callback as transfer tr_1.
func initiated(t *testing.T, h *harness) (*domain.Account, *domain.Transaction) {
	t.Helper()
	h.riskIs(domain.RiskLow)
	h.gateway.On("ValidateDestination", mock.Anything, mock.Anything).Return(true, nil)
	h.gateway.On("CreateTransfer", mock.Anything, mock.Anything).
		Return(&domain.GatewayTransfer{TransferID: "tr_1", Status: "created"}, nil)
	a := h.account(t, "1001", "1000.00")

	result, err := h.transfers.CreateTransfer(context.Background(), externalRequest(a, "acct_ext", "400.00"))
	require.NoError(t, err)
	require.Equal(t, domain.StepExternalInitiated, result.Transaction.SagaStep)
	return a, result.Transaction
}

func completedHook() GatewayWebhook {
	return GatewayWebhook{EventID: "evt_1", EventType: domain.EventWebhookTransferCompleted, TransferID: "tr_1", Status: "paid"}
}

func failureHook() GatewayWebhook {
	return GatewayWebhook{
		EventID:        "evt_2",
		EventType:      domain.EventWebhookTransferFailure,
		TransferID:     "tr_1",
		Status:         "failed",
		FailureCode:    "account_closed",
		FailureMessage: "destination closed",
	}
}

func TestCompletionWebhookAppliesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a, tx := initiated(t, h)

	first, err := h.webhooks.Handle(ctx, completedHook())
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, first.Outcome)
	assert.Equal(t, domain.StatusCompleted, first.Transaction.Status)
	assert.NotNil(t, first.Transaction.WebhookReceivedAt)
	assert.Equal(t, "paid", first.Transaction.GatewayTransferStatus)

	second, err := h.webhooks.Handle(ctx, completedHook())
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, second.Outcome)

	assert.Equal(t, domain.StatusCompleted, h.transaction(t, tx.ID).Status)
	assert.Equal(t, "600.00", h.balance(t, a.ID))
	assert.Equal(t, 1, h.staged(domain.EventGatewayWebhookReceived))
	assert.Equal(t, 1, h.staged(domain.EventTransferCompleted))
}

func TestFailureWebhookRefundsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a, tx := initiated(t, h)

	first, err := h.webhooks.Handle(ctx, failureHook())
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, first.Outcome)
	assert.Equal(t, domain.StatusRollbackCompleted, first.Transaction.Status)
	assert.Contains(t, first.Transaction.FailureReason, "account_closed")
	assert.Equal(t, "1000.00", h.balance(t, a.ID))

	second, err := h.webhooks.Handle(ctx, failureHook())
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, second.Outcome)
	assert.Equal(t, "1000.00", h.balance(t, a.ID))

	stored := h.transaction(t, tx.ID)
	assert.Equal(t, "account_closed", stored.GatewayFailureCode)
	assert.ElementsMatch(t, []domain.EntryType{domain.EntryDebit, domain.EntryRefund}, h.entries(t, tx.ID.String()))
	assert.Equal(t, 1, h.staged(domain.EventTransferRolledBack))
}

func TestConcurrentFailureWebhooksRefundOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a, tx := initiated(t, h)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.webhooks.Handle(ctx, failureHook())
		}()
	}
	wg.Wait()

	assert.Equal(t, "1000.00", h.balance(t, a.ID))
	assert.Equal(t, domain.StatusRollbackCompleted, h.transaction(t, tx.ID).Status)
	assert.ElementsMatch(t, []domain.EntryType{domain.EntryDebit, domain.EntryRefund}, h.entries(t, tx.ID.String()))
}

func TestFailureWebhookAfterCompletionRefunds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a, _ := initiated(t, h)

	_, err := h.webhooks.Handle(ctx, completedHook())
	require.NoError(t, err)

	result, err := h.webhooks.Handle(ctx, failureHook())
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, result.Outcome)
	assert.Equal(t, domain.StatusRollbackCompleted, result.Transaction.Status)
	assert.Equal(t, "1000.00", h.balance(t, a.ID))
}

func TestCompletionWebhookAfterRollbackIsIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a, tx := initiated(t, h)

	_, err := h.webhooks.Handle(ctx, failureHook())
	require.NoError(t, err)

	result, err := h.webhooks.Handle(ctx, completedHook())
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, result.Outcome)
	assert.Equal(t, domain.StatusRollbackCompleted, h.transaction(t, tx.ID).Status)
	assert.Equal(t, "1000.00", h.balance(t, a.ID))
}

func TestWebhookFindsTransactionByID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, tx := initiated(t, h)

	hook := completedHook()
	hook.TransferID = "tr_unknown"
	hook.TransactionID = tx.ID.String()

	result, err := h.webhooks.Handle(ctx, hook)
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, result.Outcome)
	assert.Equal(t, "tr_1", result.Transaction.GatewayTransferID)
}

func TestStatusOnlyWebhooks(t *testing.T) {
	ctx := context.Background()

	t.Run("failed status refunds", func(t *testing.T) {
		h := newHarness(t)
		a, tx := initiated(t, h)

		result, err := h.webhooks.Handle(ctx, GatewayWebhook{
			TransferID:     "tr_1",
			Status:         "failed",
			FailureCode:    "account_closed",
			IdempotencyKey: tx.GatewayIdempotencyKey,
		})
		require.NoError(t, err)
		assert.Equal(t, WebhookProcessed, result.Outcome)
		assert.Equal(t, domain.StatusRollbackCompleted, result.Transaction.Status)
		assert.Equal(t, "1000.00", h.balance(t, a.ID))
	})

	t.Run("paid status completes", func(t *testing.T) {
		h := newHarness(t)
		_, tx := initiated(t, h)

		result, err := h.webhooks.Handle(ctx, GatewayWebhook{TransferID: "tr_1", Status: "paid"})
		require.NoError(t, err)
		assert.Equal(t, WebhookProcessed, result.Outcome)
		assert.Equal(t, domain.StatusCompleted, h.transaction(t, tx.ID).Status)
	})

	t.Run("unknown status is rejected", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.webhooks.Handle(ctx, GatewayWebhook{TransferID: "tr_1", Status: "in_transit"})
		assert.ErrorIs(t, err, errors.ErrInvalidInput)
	})
}

func TestWebhookFindsTransactionByIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a, tx := initiated(t, h)

	// the gateway accepted the transfer but its id was never recorded
	unrecorded := *tx
	unrecorded.GatewayTransferID = ""
	require.NoError(t, h.mem.Transactions().UpdateTransaction(ctx, &unrecorded, tx.Status))

	result, err := h.webhooks.Handle(ctx, GatewayWebhook{
		TransferID:     "tr_late",
		Status:         "failed",
		IdempotencyKey: tx.CorrelationID.String(),
	})
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, result.Outcome)
	assert.Equal(t, "tr_late", result.Transaction.GatewayTransferID)
	assert.Equal(t, "1000.00", h.balance(t, a.ID))
	assert.Len(t, h.entries(t, tx.ID.String()), 2)
}

type webhookCounter struct {
	metrics.NoOpCollector
	mu       sync.Mutex
	outcomes map[string]int
}

func (c *webhookCounter) RecordWebhook(_, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcomes == nil {
		c.outcomes = map[string]int{}
	}
	c.outcomes[outcome]++
}

func (c *webhookCounter) count(outcome string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcomes[outcome]
}

func TestRedeliveredWebhookIsCounted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	initiated(t, h)
	counter := &webhookCounter{}
	webhooks := NewWebhookService(h.mem, h.transfers, h.outbox, counter, WebhookConfig{ExpectedDeliveries: 1000}, testsupport.DiscardLogger())

	_, err := webhooks.Handle(ctx, completedHook())
	require.NoError(t, err)
	assert.Equal(t, 0, counter.count("redelivered"))

	_, err = webhooks.Handle(ctx, completedHook())
	require.NoError(t, err)
	assert.Equal(t, 1, counter.count("redelivered"))
	assert.Equal(t, 1, counter.count(string(WebhookProcessed)))
	assert.Equal(t, 1, counter.count(string(WebhookDuplicate)))

	other := completedHook()
	other.EventID = "evt_other"
	_, err = webhooks.Handle(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, 1, counter.count("redelivered"), "a new delivery id is not a redelivery")
}

func TestTopupWebhookCreditsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	a := h.account(t, "1001", "0.00")

	hook := GatewayWebhook{
		EventType:     domain.EventWebhookTopupCompleted,
		TransferID:    "topup_ref_1",
		Status:        "paid",
		AccountNumber: "1001",
		Amount:        decimal.RequireFromString("250.00"),
	}
	first, err := h.webhooks.Handle(ctx, hook)
	require.NoError(t, err)
	assert.Equal(t, WebhookProcessed, first.Outcome)
	assert.Equal(t, domain.Deposit, first.Transaction.Type)
	assert.Equal(t, domain.GatewayTopupSender, first.Transaction.SenderAccountNumber)
	assert.Equal(t, "250.00", h.balance(t, a.ID))

	second, err := h.webhooks.Handle(ctx, hook)
	require.NoError(t, err)
	assert.Equal(t, WebhookDuplicate, second.Outcome)
	assert.Equal(t, first.Transaction.ID, second.Transaction.ID)
	assert.Equal(t, "250.00", h.balance(t, a.ID))

	_, err = h.webhooks.Handle(ctx, GatewayWebhook{EventType: domain.EventWebhookTopupCompleted, TransferID: "topup_ref_2", Amount: decimal.NewFromInt(5)})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	hook.TransferID = "topup_ref_3"
	hook.Amount = decimal.RequireFromString("-1")
	_, err = h.webhooks.Handle(ctx, hook)
	assert.ErrorIs(t, err, errors.ErrInvalidAmount)
}

func TestWebhookRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.webhooks.Handle(ctx, GatewayWebhook{EventType: "TRANSFER_REVERSED", TransferID: "tr_1"})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = h.webhooks.Handle(ctx, GatewayWebhook{EventType: domain.EventWebhookTransferCompleted})
	assert.ErrorIs(t, err, errors.ErrInvalidInput)

	_, err = h.webhooks.Handle(ctx, GatewayWebhook{EventType: domain.EventWebhookTransferCompleted, TransferID: "tr_missing"})
	assert.ErrorIs(t, err, errors.ErrTransactionNotFound)
}

func TestWebhookForInternalTransferIsIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.riskIs(domain.RiskLow)
	a := h.account(t, "1001", "100.00")
	b := h.account(t, "1002", "0.00")
	result, err := h.transfers.CreateTransfer(ctx, internalRequest(a, b, "10.00"))
	require.NoError(t, err)

	hook := failureHook()
	hook.TransferID = ""
	hook.TransactionID = result.Transaction.ID.String()
	out, err := h.webhooks.Handle(ctx, hook)
	require.NoError(t, err)
	assert.Equal(t, WebhookIgnored, out.Outcome)
	assert.Equal(t, "90.00", h.balance(t, a.ID))
}

func TestVerifyWebhookSignature(t *testing.T) {
	h := newHarness(t)
	signed := NewWebhookService(h.mem, h.transfers, h.outbox, nil, WebhookConfig{Secret: "whsec"}, testsupport.DiscardLogger())
	body := []byte(`{"event_type":"TRANSFER_COMPLETED","transfer_id":"tr_1"}`)

	mac := hmac.New(sha256.New, []byte("whsec"))
	mac.Write(body)
	good := hex.EncodeToString(mac.Sum(nil))

	assert.NoError(t, signed.VerifySignature(body, good))
	assert.ErrorIs(t, signed.VerifySignature(body, "deadbeef"), errors.ErrInvalidSignature)
	assert.ErrorIs(t, signed.VerifySignature(body, "not-hex"), errors.ErrInvalidSignature)
	assert.ErrorIs(t, signed.VerifySignature([]byte("tampered"), good), errors.ErrInvalidSignature)

	assert.NoError(t, h.webhooks.VerifySignature(body, ""))
}
