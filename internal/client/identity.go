package client

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"time"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/errors"
	"transfer-saga/internal/resilience"
)

// IdentityClient talks to the identity service's smart-otp internal API.
type IdentityClient struct {
	c jsonClient
}

var _ domain.IdentityVerifier = (*IdentityClient)(nil)

func NewIdentityClient(baseURL string, timeout time.Duration, breaker *resilience.Breaker) *IdentityClient {
	return &IdentityClient{c: newJSONClient(baseURL, timeout, breaker)}
}

type verifyResponse struct {
	Valid bool `json:"valid"`
}

func (i *IdentityClient) GetCapabilities(ctx context.Context, userID string) (*domain.Capabilities, error) {
	var caps domain.Capabilities
	if err := i.c.do(ctx, http.MethodGet, "/smart-otp/internal/status/"+url.PathEscape(userID), nil, &caps); err != nil {
		return nil, err
	}
	return &caps, nil
}

func (i *IdentityClient) GenerateChallenge(ctx context.Context, userID, txRef string, challengeType domain.ChallengeType) (*domain.IdentityChallenge, error) {
	body := map[string]string{
		"user_id":        userID,
		"transaction_id": txRef,
		"challenge_type": challengeType.String(),
	}
	var challenge domain.IdentityChallenge
	if err := i.c.do(ctx, http.MethodPost, "/smart-otp/internal/challenge", body, &challenge); err != nil {
		return nil, err
	}
	return &challenge, nil
}

func (i *IdentityClient) VerifySignature(ctx context.Context, challengeID, deviceID, signature string) (bool, error) {
	body := map[string]string{
		"challenge_id": challengeID,
		"device_id":    deviceID,
		"signature":    signature,
	}
	var resp verifyResponse
	if err := i.c.do(ctx, http.MethodPost, "/smart-otp/internal/verify-device", body, &resp); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

func (i *IdentityClient) VerifyFace(ctx context.Context, challengeID string, faceImage []byte) (bool, error) {
	body := map[string]string{
		"challenge_id": challengeID,
		"face_image":   base64.StdEncoding.EncodeToString(faceImage),
	}
	var resp verifyResponse
	if err := i.c.do(ctx, http.MethodPost, "/smart-otp/internal/verify-face", body, &resp); err != nil {
		return false, err
	}
	return resp.Valid, nil
}

// NoIdentity is used when no identity service is configured: nobody has
// enrolled factors and smart challenges are unavailable.
type NoIdentity struct{}

var _ domain.IdentityVerifier = NoIdentity{}

func (NoIdentity) GetCapabilities(context.Context, string) (*domain.Capabilities, error) {
	return &domain.Capabilities{}, nil
}

func (NoIdentity) GenerateChallenge(context.Context, string, string, domain.ChallengeType) (*domain.IdentityChallenge, error) {
	return nil, errors.ErrServiceUnavailable.WithDetails("identity service not configured")
}

func (NoIdentity) VerifySignature(context.Context, string, string, string) (bool, error) {
	return false, errors.ErrServiceUnavailable.WithDetails("identity service not configured")
}

func (NoIdentity) VerifyFace(context.Context, string, []byte) (bool, error) {
	return false, errors.ErrServiceUnavailable.WithDetails("identity service not configured")
}
