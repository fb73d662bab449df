package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"go-autopilot/internal/config"
	"go-autopilot/internal/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WalletService resolves the per-(user, chain) execution wallet, creating
// the row lazily on first use. The address is derived deterministically
// from the user's reference address so repeated resolution is idempotent.
type WalletService struct {
	db *gorm.DB
}

// NewWalletService creates the wallet resolver.
func NewWalletService(db *gorm.DB) *WalletService {
	return &WalletService{db: db}
}

// ResolveWallet returns the execution wallet for a user on a chain. EVM
// chains with a bundler configured get a smart account; everything else is
// a plain EOA keyed by the signer service.
func (s *WalletService) ResolveWallet(ctx context.Context, userID, userAddress, chain string) (*models.Wallet, error) {
	var wallet models.Wallet
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND chain = ?", userID, chain).
		First(&wallet).Error
	if err == nil {
		return &wallet, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, Retryablef("failed to load wallet: %w", err)
	}

	chainCfg, err := config.GetChainConfig(chain)
	if err != nil {
		return nil, Validationf("cannot create wallet: %v", err)
	}

	wallet = models.Wallet{
		ID:        uuid.NewString(),
		UserID:    userID,
		Chain:     chain,
		Address:   userAddress,
		Type:      models.WalletTypeEOA,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if chainCfg.Type == "evm" && chainCfg.BundlerURL != "" {
		wallet.Type = models.WalletTypeSmartAccount
		wallet.SmartAccountAddress = DeriveSmartAccountAddress(userAddress, chainCfg.ChainID)
	}

	// Two racing resolutions both derive the same wallet; first insert wins
	// and the loser re-reads.
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&wallet).Error
	if err != nil {
		return nil, Retryablef("failed to create wallet: %w", err)
	}

	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND chain = ?", userID, chain).
		First(&wallet).Error; err != nil {
		return nil, Retryablef("failed to reload wallet: %w", err)
	}

	log.Printf("[WalletService] Wallet ready for user %s on %s: %s (%s)",
		userID, chain, wallet.Address, wallet.Type)
	return &wallet, nil
}

// DeriveSmartAccountAddress computes the counterfactual smart-account
// address for an owner on a chain. Deterministic: same owner and chain
// always map to the same account.
func DeriveSmartAccountAddress(ownerAddress string, chainID int64) string {
	seed := fmt.Sprintf("smart-account:%s:%d", common.HexToAddress(ownerAddress).Hex(), chainID)
	hash := crypto.Keccak256([]byte(seed))
	return common.BytesToAddress(hash[12:]).Hex()
}
