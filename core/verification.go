package core

import (
	"fmt"
	"strings"
	"time"
)

// Channel is the delivery channel of a verification code
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Valid reports whether c is a known channel
func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS
}

// Purpose is the account operation a verification code gates
type Purpose string

const (
	PurposeRegister Purpose = "register"
	PurposeReset    Purpose = "reset"
	PurposeBind     Purpose = "bind"
)

// Valid reports whether p is a known purpose
func (p Purpose) Valid() bool {
	switch p {
	case PurposeRegister, PurposeReset, PurposeBind:
		return true
	}
	return false
}

// VerificationCode is a persisted, single-use numeric code
type VerificationCode struct {
	ID        string
	Target    string // Email address or phone number
	Code      string
	Channel   Channel
	Purpose   Purpose
	UserID    string // Empty for anonymous requests
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
	UsedAt    *time.Time
	Origin    string // Address the request came from
}

// CodeLimits are the rate limits a store enforces when reserving a new code
type CodeLimits struct {
	Cooldown time.Duration // Minimum gap between codes for the same target and purpose
	DailyCap int           // Maximum codes per target since DayStart
	DayStart time.Time     // Start of the current calendar day in the configured timezone
}

// NormalizeTarget canonicalizes a verification target for storage and lookup
func NormalizeTarget(target string) string {
	target = strings.TrimSpace(target)
	if strings.Contains(target, "@") {
		return strings.ToLower(target)
	}
	return target
}

// MaskTarget hides most of a target for audit logs
func MaskTarget(target string) string {
	if at := strings.LastIndex(target, "@"); at > 0 {
		return target[:1] + "***" + target[at:]
	}
	if len(target) > 4 {
		return strings.Repeat("*", len(target)-4) + target[len(target)-4:]
	}
	return "****"
}

// StartOfDay returns midnight of t's calendar day in loc
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func (v VerificationCode) String() string {
	return fmt.Sprintf("code(%s %s/%s used=%t)", MaskTarget(v.Target), v.Channel, v.Purpose, v.Used)
}
