package otp

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/google/uuid"

	"transfer-saga/internal/domain"
)

const codeDigits = 6

// record is the stored form; only a hash of the code is kept.
type record struct {
	Reference string    `json:"reference"`
	CodeHash  string    `json:"code_hash"`
	Attempts  int       `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service implements domain.OTPProvider. Records outlive their expiry by a
// retention window so a late attempt reports expired rather than missing.
type Service struct {
	store       KeyValueStore
	maxAttempts int
	retention   time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

var _ domain.OTPProvider = (*Service)(nil)

func NewService(store KeyValueStore, maxAttempts int, retention time.Duration, logger *slog.Logger) *Service {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Service{
		store:       store,
		maxAttempts: maxAttempts,
		retention:   retention,
		logger:      logger,
		now:         time.Now,
	}
}

func key(txID string) string {
	return "otp:" + txID
}

func attemptsKey(txID string) string {
	return "otp-attempts:" + txID
}

func hashCode(txID, code string) string {
	sum := sha256.Sum256([]byte(txID + ":" + code))
	return hex.EncodeToString(sum[:])
}

func (s *Service) Generate() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

func (s *Service) Save(ctx context.Context, txID, code string, ttl time.Duration) (*domain.OTPRecord, error) {
	now := s.now().UTC()
	rec := record{
		Reference: uuid.NewString(),
		CodeHash:  hashCode(txID, code),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	// a new code starts with a fresh attempt budget
	if err := s.store.Delete(ctx, attemptsKey(txID)); err != nil {
		return nil, fmt.Errorf("reset otp attempts: %w", err)
	}
	if err := s.put(ctx, txID, rec); err != nil {
		return nil, err
	}

	s.logger.Info("OTP saved", "transaction_id", txID, "reference", rec.Reference, "expires_at", rec.ExpiresAt)
	return rec.public(), nil
}

// Verify spends one attempt before comparing, through an atomic counter, so
// concurrent guesses can never compare more than maxAttempts codes.
func (s *Service) Verify(ctx context.Context, txID, code string) (*domain.OTPVerification, error) {
	rec, err := s.load(ctx, txID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return &domain.OTPVerification{NotFound: true}, nil
	}

	if !s.now().Before(rec.ExpiresAt) {
		s.logger.Info("OTP expired", "transaction_id", txID)
		return &domain.OTPVerification{Expired: true}, nil
	}

	used, err := s.store.Incr(ctx, attemptsKey(txID), s.ttl(rec))
	if err != nil {
		return nil, fmt.Errorf("count otp attempt: %w", err)
	}
	if used > int64(s.maxAttempts) {
		return &domain.OTPVerification{RemainingAttempts: 0}, nil
	}
	remaining := s.maxAttempts - int(used)

	if subtle.ConstantTimeCompare([]byte(rec.CodeHash), []byte(hashCode(txID, code))) == 1 {
		return &domain.OTPVerification{Success: true, RemainingAttempts: remaining}, nil
	}

	s.logger.Warn("Invalid OTP attempt", "transaction_id", txID, "remaining_attempts", remaining)
	return &domain.OTPVerification{RemainingAttempts: remaining}, nil
}

func (s *Service) Invalidate(ctx context.Context, txID string) error {
	if err := s.store.Delete(ctx, key(txID)); err != nil {
		return fmt.Errorf("delete otp: %w", err)
	}
	if err := s.store.Delete(ctx, attemptsKey(txID)); err != nil {
		return fmt.Errorf("delete otp attempts: %w", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, txID string) (*domain.OTPRecord, error) {
	rec, err := s.load(ctx, txID)
	if err != nil || rec == nil {
		return nil, err
	}
	data, ok, err := s.store.Get(ctx, attemptsKey(txID))
	if err != nil {
		return nil, fmt.Errorf("load otp attempts: %w", err)
	}
	if ok {
		if n, err := strconv.Atoi(string(data)); err == nil {
			rec.Attempts = n
		}
	}
	return rec.public(), nil
}

func (s *Service) ttl(rec *record) time.Duration {
	ttl := rec.ExpiresAt.Sub(s.now()) + s.retention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *Service) put(ctx context.Context, txID string, rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode otp: %w", err)
	}
	if err := s.store.Set(ctx, key(txID), data, s.ttl(&rec)); err != nil {
		return fmt.Errorf("store otp: %w", err)
	}
	return nil
}

func (s *Service) load(ctx context.Context, txID string) (*record, error) {
	data, ok, err := s.store.Get(ctx, key(txID))
	if err != nil {
		return nil, fmt.Errorf("load otp: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode otp: %w", err)
	}
	return &rec, nil
}

func (r record) public() *domain.OTPRecord {
	return &domain.OTPRecord{
		Reference: r.Reference,
		Attempts:  r.Attempts,
		CreatedAt: r.CreatedAt,
		ExpiresAt: r.ExpiresAt,
	}
}
