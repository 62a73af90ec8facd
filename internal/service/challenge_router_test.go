package service

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"transfer-saga/internal/domain"
)

func TestResolveChallenge(t *testing.T) {
	none := domain.Capabilities{}
	face := domain.Capabilities{HasFace: true}
	device := domain.Capabilities{HasDevice: true}
	both := domain.Capabilities{HasFace: true, HasDevice: true}

	tests := []struct {
		level domain.RiskLevel
		caps  domain.Capabilities
		want  domain.ChallengeType
	}{
		{domain.RiskLow, both, domain.ChallengeNone},
		{domain.RiskLow, none, domain.ChallengeNone},
		{domain.RiskMedium, both, domain.ChallengeDeviceBio},
		{domain.RiskMedium, face, domain.ChallengeSMSOTP},
		{domain.RiskMedium, none, domain.ChallengeSMSOTP},
		{domain.RiskHigh, both, domain.ChallengeFaceVerify},
		{domain.RiskHigh, device, domain.ChallengeDeviceBio},
		{domain.RiskHigh, none, domain.ChallengeSMSOTP},
		{domain.RiskLevel("UNKNOWN"), device, domain.ChallengeDeviceBio},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveChallenge(tt.level, tt.caps))
		})
	}
}

func TestRouteLowRiskSkipsIdentity(t *testing.T) {
	h := newHarness(t)

	challenge := h.router.Route(context.Background(), "user-1", "tx-1", domain.RiskLow)

	assert.Equal(t, domain.ChallengeNone, challenge.Type)
	h.identity.AssertNotCalled(t, "GetCapabilities", mock.Anything, mock.Anything)
}

func TestRouteIssuesSmartChallenge(t *testing.T) {
	h := newHarness(t)
	h.capabilitiesAre(domain.Capabilities{HasFace: true})
	h.identity.On("GenerateChallenge", mock.Anything, "user-1", "tx-1", domain.ChallengeFaceVerify).
		Return(&domain.IdentityChallenge{ChallengeID: "ch-1", ChallengeData: "nonce"}, nil)

	challenge := h.router.Route(context.Background(), "user-1", "tx-1", domain.RiskHigh)

	assert.Equal(t, domain.ChallengeFaceVerify, challenge.Type)
	assert.Equal(t, "ch-1", challenge.ID)
	assert.Equal(t, "nonce", challenge.Data)
	require.NotNil(t, challenge.ExpiresAt)
}

func TestRouteFallsBackToSMS(t *testing.T) {
	t.Run("capabilities unavailable", func(t *testing.T) {
		h := newHarness(t)
		h.identity.On("GetCapabilities", mock.Anything, mock.Anything).Return(nil, stderrors.New("timeout"))

		challenge := h.router.Route(context.Background(), "user-1", "tx-1", domain.RiskHigh)
		assert.Equal(t, domain.ChallengeSMSOTP, challenge.Type)
	})

	t.Run("challenge generation fails", func(t *testing.T) {
		h := newHarness(t)
		h.capabilitiesAre(domain.Capabilities{HasDevice: true})
		h.identity.On("GenerateChallenge", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Return(nil, stderrors.New("identity down"))

		challenge := h.router.Route(context.Background(), "user-1", "tx-1", domain.RiskMedium)
		assert.Equal(t, domain.ChallengeSMSOTP, challenge.Type)
		assert.Empty(t, challenge.ID)
	})
}
