package gateway

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/resilience"
)

const sandboxDeclined = "acct_declined"

// SandboxGateway accepts any destination shaped like a connected account id
// and settles transfers in memory. Replays with the same idempotency key
// return the original transfer.
type SandboxGateway struct {
	mu        sync.Mutex
	transfers map[string]*domain.GatewayTransfer
	logger    *slog.Logger
}

var _ domain.PaymentGateway = (*SandboxGateway)(nil)

func NewSandboxGateway(logger *slog.Logger) *SandboxGateway {
	return &SandboxGateway{transfers: make(map[string]*domain.GatewayTransfer), logger: logger}
}

func (g *SandboxGateway) ValidateDestination(_ context.Context, destination string) (bool, error) {
	return strings.HasPrefix(destination, "acct_"), nil
}

func (g *SandboxGateway) CreateTransfer(_ context.Context, req domain.GatewayTransferRequest) (*domain.GatewayTransfer, error) {
	if req.Destination == sandboxDeclined {
		return nil, resilience.Permanent(stderrors.New("destination declined transfer"))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.transfers[req.IdempotencyKey]; ok {
		return existing, nil
	}
	tr := &domain.GatewayTransfer{TransferID: "tr_sandbox_" + uuid.NewString(), Status: "created"}
	if req.IdempotencyKey != "" {
		g.transfers[req.IdempotencyKey] = tr
	}

	g.logger.Info("Sandbox transfer created", "transfer_id", tr.TransferID, "destination", req.Destination)
	return tr, nil
}
