package domain

import (
	"fmt"
	"time"
)

// ChallengeType is the step-up authentication mechanism bound to a transaction.
type ChallengeType int

const (
	ChallengeNone ChallengeType = iota
	ChallengeSMSOTP
	ChallengeDeviceBio
	ChallengeFaceVerify
)

var challengeNames = map[ChallengeType]string{
	ChallengeNone:       "NONE",
	ChallengeSMSOTP:     "SMS_OTP",
	ChallengeDeviceBio:  "DEVICE_BIO",
	ChallengeFaceVerify: "FACE_VERIFY",
}

func (c ChallengeType) String() string {
	if name, ok := challengeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// Smart reports whether the challenge is answered through the identity service.
func (c ChallengeType) Smart() bool {
	return c == ChallengeDeviceBio || c == ChallengeFaceVerify
}

func ParseChallengeType(s string) (ChallengeType, error) {
	for c, name := range challengeNames {
		if name == s {
			return c, nil
		}
	}
	return ChallengeNone, fmt.Errorf("unknown challenge type %q", s)
}

func (c ChallengeType) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ChallengeType) UnmarshalText(text []byte) error {
	parsed, err := ParseChallengeType(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Capabilities are the authentication factors a user has enrolled.
type Capabilities struct {
	HasFace   bool `json:"has_face"`
	HasDevice bool `json:"has_device"`
}

// Challenge is the resolved challenge handed back with a pending transaction.
type Challenge struct {
	Type      ChallengeType `json:"type"`
	ID        string        `json:"challenge_id,omitempty"`
	Data      string        `json:"challenge_data,omitempty"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
}
