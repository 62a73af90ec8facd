package client

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"transfer-saga/internal/domain"
	"transfer-saga/internal/resilience"
)

// RiskClient calls the risk engine's assess endpoint.
type RiskClient struct {
	c jsonClient
}

var _ domain.RiskAssessor = (*RiskClient)(nil)

func NewRiskClient(baseURL string, timeout time.Duration, breaker *resilience.Breaker) *RiskClient {
	return &RiskClient{c: newJSONClient(baseURL, timeout, breaker)}
}

type riskResponse struct {
	RiskLevel string `json:"risk_level"`
	RiskScore int    `json:"risk_score"`
}

func (r *RiskClient) Assess(ctx context.Context, req domain.RiskRequest) (*domain.RiskAssessment, error) {
	var resp riskResponse
	if err := r.c.do(ctx, http.MethodPost, "/assess", req, &resp); err != nil {
		return nil, err
	}

	level := domain.RiskLevel(resp.RiskLevel)
	switch level {
	case domain.RiskLow, domain.RiskMedium, domain.RiskHigh:
	default:
		return nil, fmt.Errorf("risk engine returned unknown level %q", resp.RiskLevel)
	}
	return &domain.RiskAssessment{Level: level, Score: resp.RiskScore}, nil
}

var (
	highAmount     = decimal.NewFromInt(10000)
	veryHighAmount = decimal.NewFromInt(25000)
)

// ThresholdAssessor scores transfers locally from amount and time of day.
// It stands in for the risk engine when none is configured.
type ThresholdAssessor struct {
	now func() time.Time
}

var _ domain.RiskAssessor = (*ThresholdAssessor)(nil)

func NewThresholdAssessor() *ThresholdAssessor {
	return &ThresholdAssessor{now: time.Now}
}

func (a *ThresholdAssessor) Assess(_ context.Context, req domain.RiskRequest) (*domain.RiskAssessment, error) {
	score := 0
	if req.Amount.GreaterThan(highAmount) {
		score += 40
	}
	if req.Amount.GreaterThan(veryHighAmount) {
		score += 30
	}
	// 02:00 to 06:00
	if hour := a.now().Hour(); hour >= 2 && hour < 6 {
		score += 30
	}

	level := domain.RiskLow
	switch {
	case score >= 70:
		level = domain.RiskHigh
	case score >= 40:
		level = domain.RiskMedium
	}
	return &domain.RiskAssessment{Level: level, Score: score}, nil
}
