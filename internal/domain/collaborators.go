package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type RiskRequest struct {
	UserID            string          `json:"user_id"`
	Amount            decimal.Decimal `json:"amount"`
	DeviceFingerprint string          `json:"device_fingerprint,omitempty"`
	IPAddress         string          `json:"ip_address,omitempty"`
}

type RiskAssessment struct {
	Level RiskLevel `json:"risk_level"`
	Score int       `json:"risk_score"`
}

type RiskAssessor interface {
	Assess(ctx context.Context, req RiskRequest) (*RiskAssessment, error)
}

type IdentityChallenge struct {
	ChallengeID   string `json:"challenge_id"`
	ChallengeData string `json:"challenge_data"`
}

type IdentityVerifier interface {
	GetCapabilities(ctx context.Context, userID string) (*Capabilities, error)
	GenerateChallenge(ctx context.Context, userID, txRef string, challengeType ChallengeType) (*IdentityChallenge, error)
	VerifySignature(ctx context.Context, challengeID, deviceID, signature string) (bool, error)
	VerifyFace(ctx context.Context, challengeID string, faceImage []byte) (bool, error)
}

// OTPRecord is what the OTP collaborator keeps per transaction.
type OTPRecord struct {
	Reference string    `json:"reference"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type OTPVerification struct {
	Success           bool
	RemainingAttempts int
	Expired           bool
	// NotFound means no code is stored, either because it was already used
	// or because it outlived its retention.
	NotFound bool
}

type OTPProvider interface {
	Generate() (string, error)
	Save(ctx context.Context, txID, code string, ttl time.Duration) (*OTPRecord, error)
	// Verify never consumes the code; Invalidate does once the transaction
	// has left PENDING_OTP.
	Verify(ctx context.Context, txID, code string) (*OTPVerification, error)
	Invalidate(ctx context.Context, txID string) error
	// Get returns nil, nil when nothing is stored for txID.
	Get(ctx context.Context, txID string) (*OTPRecord, error)
}

type GatewayTransferRequest struct {
	Amount         decimal.Decimal
	Destination    string
	Description    string
	IdempotencyKey string
	TransferGroup  string
	Metadata       map[string]string
}

type GatewayTransfer struct {
	TransferID string
	Status     string
}

type PaymentGateway interface {
	ValidateDestination(ctx context.Context, destination string) (bool, error)
	CreateTransfer(ctx context.Context, req GatewayTransferRequest) (*GatewayTransfer, error)
}

type OTPNotification struct {
	TransactionID string          `json:"transaction_id"`
	UserID        string          `json:"user_id"`
	Code          string          `json:"code"`
	Amount        decimal.Decimal `json:"amount"`
	ExpiresAt     time.Time       `json:"expires_at"`
}

// Notifier is fire-and-forget; errors are logged by callers, never propagated.
type Notifier interface {
	SendOTP(ctx context.Context, n OTPNotification) error
}
