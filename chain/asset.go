package chain

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Asset is a token the adjudicator holds on behalf of channels. The zero
// token address is the chain's native currency.
type Asset struct {
	ID       uint           `gorm:"primaryKey;column:id;autoIncrement"`
	Token    common.Address `gorm:"column:token;not null;uniqueIndex:token_chain"`
	ChainID  uint64         `gorm:"column:chain_id;not null;uniqueIndex:token_chain"`
	Symbol   string         `gorm:"column:symbol;not null"`
	Decimals uint8          `gorm:"column:decimals;not null"`
}

func (Asset) TableName() string {
	return "assets"
}

// NativeAsset is the default asset of a simulated chain.
func NativeAsset(chainID uint64) Asset {
	return Asset{ChainID: chainID, Symbol: "eth", Decimals: 18}
}

// GetAssetByToken returns nil when the token is not registered.
func GetAssetByToken(db *gorm.DB, token common.Address, chainID uint64) (*Asset, error) {
	var asset Asset
	err := db.Where("token = ? AND chain_id = ?", token, chainID).First(&asset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

// ensureAsset registers the asset unless a row for its token already exists.
func ensureAsset(db *gorm.DB, asset Asset) (*Asset, error) {
	existing, err := GetAssetByToken(db, asset.Token, asset.ChainID)
	if err != nil || existing != nil {
		return existing, err
	}
	if err := db.Create(&asset).Error; err != nil {
		return nil, err
	}
	return &asset, nil
}

// ToDecimal converts base units to the asset's display unit.
func (a Asset) ToDecimal(amount *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(amount, -int32(a.Decimals))
}
