package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SpendLimit bounds cumulative outflow of one token authorized by a session
// key. MaxAmount is in the token's base units. When WindowSec is set the
// bound applies to the rolling sum of successful spends within the trailing
// window; otherwise it bounds each single transaction.
type SpendLimit struct {
	Token     string `json:"token"`
	MaxAmount string `json:"maxAmount"`
	WindowSec int64  `json:"windowSec,omitempty"`
}

// SessionKeyPermissions is the scoped-permission blob persisted as jsonb.
type SessionKeyPermissions struct {
	Actions          []string     `json:"actions"`
	Chains           []string     `json:"chains"`
	AllowedContracts []string     `json:"allowedContracts,omitempty"`
	SpendLimits      []SpendLimit `json:"spendLimits,omitempty"`
	HLAllowedMarkets []string     `json:"hlAllowedMarkets,omitempty"`
	HLMaxUsdPerTrade float64      `json:"hlMaxUsdPerTrade,omitempty"`
}

// Value implements driver.Valuer so GORM stores the blob as jsonb.
func (p SessionKeyPermissions) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan implements sql.Scanner.
func (p *SessionKeyPermissions) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	case nil:
		*p = SessionKeyPermissions{}
		return nil
	default:
		return fmt.Errorf("unsupported type for SessionKeyPermissions: %T", value)
	}
}

// AllowsAction reports whether the permission set covers the given action.
func (p *SessionKeyPermissions) AllowsAction(action string) bool {
	for _, a := range p.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// AllowsChain reports whether the permission set covers the given chain.
func (p *SessionKeyPermissions) AllowsChain(chain string) bool {
	for _, c := range p.Chains {
		if c == chain {
			return true
		}
	}
	return false
}

// LimitFor returns the spend limit configured for a token, or nil.
func (p *SessionKeyPermissions) LimitFor(token string) *SpendLimit {
	for i := range p.SpendLimits {
		if p.SpendLimits[i].Token == token {
			return &p.SpendLimits[i]
		}
	}
	return nil
}

// SessionKey is a scoped, revocable credential authorizing automated
// execution without exposing the user's primary key. Read-only during
// execution; mutated only via explicit update, rotation or revocation.
type SessionKey struct {
	ID          string                `json:"id" gorm:"primaryKey"`
	UserID      string                `json:"user_id" gorm:"not null;index"`
	PublicKey   string                `json:"public_key" gorm:"not null"`
	Permissions SessionKeyPermissions `json:"permissions" gorm:"type:jsonb"`
	ExpiresAt   time.Time             `json:"expires_at" gorm:"not null"`
	IsActive    bool                  `json:"is_active" gorm:"default:true"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// IsUsable reports the activity/expiry gate checked before every dispatch.
func (k *SessionKey) IsUsable(now time.Time) bool {
	return k.IsActive && now.Before(k.ExpiresAt)
}
