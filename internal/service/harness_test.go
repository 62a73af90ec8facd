package service

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/otp"
	"transfer-saga/internal/repository/memory"
	"transfer-saga/internal/testsupport"
)

type mockRisk struct {
	mock.Mock
}

func (m *mockRisk) Assess(ctx context.Context, req domain.RiskRequest) (*domain.RiskAssessment, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RiskAssessment), args.Error(1)
}

type mockIdentity struct {
	mock.Mock
}

func (m *mockIdentity) GetCapabilities(ctx context.Context, userID string) (*domain.Capabilities, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Capabilities), args.Error(1)
}

func (m *mockIdentity) GenerateChallenge(ctx context.Context, userID, txRef string, challengeType domain.ChallengeType) (*domain.IdentityChallenge, error) {
	args := m.Called(ctx, userID, txRef, challengeType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.IdentityChallenge), args.Error(1)
}

func (m *mockIdentity) VerifySignature(ctx context.Context, challengeID, deviceID, signature string) (bool, error) {
	args := m.Called(ctx, challengeID, deviceID, signature)
	return args.Bool(0), args.Error(1)
}

func (m *mockIdentity) VerifyFace(ctx context.Context, challengeID string, faceImage []byte) (bool, error) {
	args := m.Called(ctx, challengeID, faceImage)
	return args.Bool(0), args.Error(1)
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) ValidateDestination(ctx context.Context, destination string) (bool, error) {
	args := m.Called(ctx, destination)
	return args.Bool(0), args.Error(1)
}

func (m *mockGateway) CreateTransfer(ctx context.Context, req domain.GatewayTransferRequest) (*domain.GatewayTransfer, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.GatewayTransfer), args.Error(1)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.OTPNotification
}

func (n *recordingNotifier) SendOTP(_ context.Context, notification domain.OTPNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification)
	return nil
}

func (n *recordingNotifier) lastCode(t *testing.T) string {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	require.NotEmpty(t, n.sent, "no OTP was sent")
	return n.sent[len(n.sent)-1].Code
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*domain.OutboxEvent
	fail   bool
}

func (p *recordingPublisher) Publish(_ context.Context, event *domain.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return stderrors.New("broker unavailable")
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) published(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

// refundFailingStore rejects every REFUND ledger entry.
type refundFailingStore struct {
	domain.Store
}

func (s refundFailingStore) Entries() domain.LedgerEntryRepository {
	return refundFailingEntries{s.Store.Entries()}
}

func (s refundFailingStore) WithTransaction(ctx context.Context, fn func(domain.Store) error) error {
	return s.Store.WithTransaction(ctx, func(uow domain.Store) error {
		return fn(refundFailingStore{uow})
	})
}

type refundFailingEntries struct {
	domain.LedgerEntryRepository
}

func (e refundFailingEntries) CreateEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	if entry.Type == domain.EntryRefund {
		return stderrors.New("ledger unavailable")
	}
	return e.LedgerEntryRepository.CreateEntry(ctx, entry)
}

type harness struct {
	mem       *memory.Store
	risk      *mockRisk
	identity  *mockIdentity
	gateway   *mockGateway
	notifier  *recordingNotifier
	publisher *recordingPublisher
	otp       *otp.Service
	ledger    *LedgerService
	limits    *LimitService
	outbox    *OutboxService
	router    *ChallengeRouter
	transfers *TransferService
	webhooks  *WebhookService
	accounts  *AccountService
}

func newHarness(t *testing.T) *harness {
	return buildHarness(t, nil)
}

func buildHarness(t *testing.T, wrap func(domain.Store) domain.Store) *harness {
	t.Helper()
	logger := testsupport.DiscardLogger()

	mem := memory.NewStore()
	var store domain.Store = mem
	if wrap != nil {
		store = wrap(mem)
	}

	h := &harness{
		mem:       mem,
		risk:      &mockRisk{},
		identity:  &mockIdentity{},
		gateway:   &mockGateway{},
		notifier:  &recordingNotifier{},
		publisher: &recordingPublisher{},
	}
	h.otp = otp.NewService(otp.NewMemoryStore(), 3, time.Minute, logger)
	h.ledger = NewLedgerService(logger)
	h.limits = NewLimitService(store, decimal.NewFromInt(50000), decimal.NewFromInt(200000), logger)
	h.outbox = NewOutboxService(store, h.publisher, nil, OutboxConfig{MaxRetries: 2}, logger)
	h.router = NewChallengeRouter(h.identity, 2*time.Minute, nil, logger)
	h.transfers = NewTransferService(TransferDeps{
		Store:    store,
		Ledger:   h.ledger,
		Limits:   h.limits,
		Router:   h.router,
		Outbox:   h.outbox,
		Risk:     h.risk,
		Identity: h.identity,
		OTP:      h.otp,
		Gateway:  h.gateway,
		Notifier: h.notifier,
		Logger:   logger,
	}, TransferConfig{
		OTPTTL:            5 * time.Minute,
		OTPResendCooldown: 30 * time.Second,
		SmartOTPTTL:       2 * time.Minute,
	})
	h.webhooks = NewWebhookService(store, h.transfers, h.outbox, nil, WebhookConfig{}, logger)
	h.accounts = NewAccountService(store, h.limits, logger)
	return h
}

func (h *harness) account(t *testing.T, number, balance string) *domain.Account {
	t.Helper()
	account := &domain.Account{
		ID:            uuid.New(),
		UserID:        uuid.New(),
		AccountNumber: number,
		Balance:       decimal.RequireFromString(balance),
		Status:        domain.AccountActive,
	}
	require.NoError(t, h.mem.Accounts().CreateAccount(context.Background(), account))
	return account
}

func (h *harness) balance(t *testing.T, id uuid.UUID) string {
	t.Helper()
	account, err := h.mem.Accounts().GetAccount(context.Background(), id)
	require.NoError(t, err)
	return account.Balance.StringFixed(2)
}

func (h *harness) riskIs(level domain.RiskLevel) {
	h.risk.On("Assess", mock.Anything, mock.Anything).Return(&domain.RiskAssessment{Level: level, Score: 10}, nil)
}

func (h *harness) capabilitiesAre(caps domain.Capabilities) {
	h.identity.On("GetCapabilities", mock.Anything, mock.Anything).Return(&caps, nil)
}

func (h *harness) transaction(t *testing.T, id uuid.UUID) *domain.Transaction {
	t.Helper()
	tx, err := h.mem.Transactions().GetTransactionByID(context.Background(), id)
	require.NoError(t, err)
	return tx
}

func (h *harness) entries(t *testing.T, txRef string) []domain.EntryType {
	t.Helper()
	entries, err := h.mem.Entries().ListEntries(context.Background(), txRef)
	require.NoError(t, err)
	var types []domain.EntryType
	for _, e := range entries {
		types = append(types, e.Type)
	}
	return types
}

func (h *harness) staged(eventType string) int {
	n := 0
	for _, e := range h.mem.Events() {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

func internalRequest(from, to *domain.Account, amount string) TransferRequest {
	return TransferRequest{
		SenderAccountNumber:   from.AccountNumber,
		ReceiverAccountNumber: to.AccountNumber,
		Amount:                decimal.RequireFromString(amount),
		Type:                  domain.InternalTransfer,
	}
}

func externalRequest(from *domain.Account, destination, amount string) TransferRequest {
	return TransferRequest{
		SenderAccountNumber:   from.AccountNumber,
		ReceiverAccountNumber: destination,
		Amount:                decimal.RequireFromString(amount),
		Type:                  domain.ExternalTransfer,
	}
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}
