package models

import "time"

// WalletType distinguishes directly-signed EOAs from ERC-4337 smart
// accounts executing via bundled user operations.
type WalletType string

const (
	WalletTypeEOA          WalletType = "eoa"
	WalletTypeSmartAccount WalletType = "smart-account"
)

// Wallet is the per-(user, chain) execution account, created lazily and
// derived deterministically from the user's reference address.
type Wallet struct {
	ID                  string     `json:"id" gorm:"primaryKey"`
	UserID              string     `json:"user_id" gorm:"not null;uniqueIndex:ux_wallet_user_chain,priority:1"`
	Chain               string     `json:"chain" gorm:"not null;uniqueIndex:ux_wallet_user_chain,priority:2"`
	Address             string     `json:"address" gorm:"not null"`
	SmartAccountAddress string     `json:"smart_account_address"`
	Type                WalletType `json:"type" gorm:"not null"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}
