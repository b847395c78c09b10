package core

import (
	"regexp"
	"strings"
	"time"
)

// DefaultChainID is used when a bind request does not name a chain (Polygon)
const DefaultChainID int64 = 137

// WalletStatus is the lifecycle state of a wallet binding
type WalletStatus string

const (
	WalletStatusActive  WalletStatus = "active"
	WalletStatusUnbound WalletStatus = "unbound"
)

// WalletBinding ties one on-chain address to one account
type WalletBinding struct {
	ID        string
	UserID    string
	Address   string // Lower-cased 0x-prefixed hex
	ChainID   int64
	Primary   bool
	Status    WalletStatus
	BoundAt   time.Time
	UnboundAt *time.Time
}

var addressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address
func IsAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// NormalizeAddress lower-cases an address for storage and comparison
func NormalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// MaskAddress shortens an address for audit logs
func MaskAddress(s string) string {
	if len(s) < 12 {
		return s
	}
	return s[:6] + "..." + s[len(s)-4:]
}
