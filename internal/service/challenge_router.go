package service

import (
	"context"
	"log/slog"
	"time"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/metrics"
)

// ResolveChallenge maps a risk tier and the user's enrolled factors to a
// challenge type. Unknown tiers are treated as MEDIUM.
func ResolveChallenge(level domain.RiskLevel, caps domain.Capabilities) domain.ChallengeType {
	switch level {
	case domain.RiskLow:
		return domain.ChallengeNone
	case domain.RiskHigh:
		if caps.HasFace {
			return domain.ChallengeFaceVerify
		}
		if caps.HasDevice {
			return domain.ChallengeDeviceBio
		}
		return domain.ChallengeSMSOTP
	default:
		if caps.HasDevice {
			return domain.ChallengeDeviceBio
		}
		return domain.ChallengeSMSOTP
	}
}

// ChallengeRouter resolves the challenge for a transfer and obtains the
// identity service's token for smart challenges, degrading to SMS OTP when
// the identity service cannot help.
type ChallengeRouter struct {
	identity  domain.IdentityVerifier
	smartTTL  time.Duration
	collector metrics.Collector
	now       func() time.Time
	logger    *slog.Logger
}

func NewChallengeRouter(identity domain.IdentityVerifier, smartTTL time.Duration, collector metrics.Collector, logger *slog.Logger) *ChallengeRouter {
	if collector == nil {
		collector = metrics.NoOpCollector{}
	}
	return &ChallengeRouter{
		identity:  identity,
		smartTTL:  smartTTL,
		collector: collector,
		now:       time.Now,
		logger:    logger,
	}
}

func (r *ChallengeRouter) Route(ctx context.Context, userID, txRef string, level domain.RiskLevel) *domain.Challenge {
	if level == domain.RiskLow {
		r.collector.RecordChallenge(domain.ChallengeNone.String())
		return &domain.Challenge{Type: domain.ChallengeNone}
	}

	caps, err := r.identity.GetCapabilities(ctx, userID)
	if err != nil {
		r.logger.Warn("Capability lookup failed, assuming no enrolled factors", "user_id", userID, "error", err)
		caps = &domain.Capabilities{}
	}

	challengeType := ResolveChallenge(level, *caps)
	challenge := &domain.Challenge{Type: challengeType}

	if challengeType.Smart() {
		issued, err := r.identity.GenerateChallenge(ctx, userID, txRef, challengeType)
		if err != nil {
			r.logger.Warn("Smart challenge unavailable, falling back to SMS OTP",
				"user_id", userID,
				"tx_ref", txRef,
				"wanted", challengeType.String(),
				"error", err,
			)
			challenge = &domain.Challenge{Type: domain.ChallengeSMSOTP}
		} else {
			expires := r.now().UTC().Add(r.smartTTL)
			challenge.ID = issued.ChallengeID
			challenge.Data = issued.ChallengeData
			challenge.ExpiresAt = &expires
		}
	}

	r.logger.Info("Challenge resolved",
		"tx_ref", txRef,
		"risk_level", level,
		"challenge_type", challenge.Type.String(),
	)
	r.collector.RecordChallenge(challenge.Type.String())
	return challenge
}
