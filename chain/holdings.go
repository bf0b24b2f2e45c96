package chain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Entry is one side of a double-entry movement in the holdings ledger
type Entry struct {
	ID          uint            `gorm:"primaryKey"`
	AccountID   string          `gorm:"column:account_id;not null;index:idx_account_asset"`
	AccountType AccountType     `gorm:"column:account_type;not null"`
	AssetSymbol string          `gorm:"column:asset_symbol;not null;index:idx_account_asset"`
	Credit      decimal.Decimal `gorm:"column:credit;type:decimal(38,18);not null"`
	Debit       decimal.Decimal `gorm:"column:debit;type:decimal(38,18);not null"`
	CreatedAt   time.Time
}

func (Entry) TableName() string {
	return "holdings_ledger"
}

// Ledger records movements of one asset.
type Ledger struct {
	assetSymbol string
	db          *gorm.DB
}

func newLedger(db *gorm.DB, assetSymbol string) *Ledger {
	return &Ledger{assetSymbol: assetSymbol, db: db}
}

// Record books amount on the account: positive amounts credit, negative debit.
func (l *Ledger) Record(accountID string, accountType AccountType, amount decimal.Decimal) error {
	entry := &Entry{
		AccountID:   accountID,
		AccountType: accountType,
		AssetSymbol: l.assetSymbol,
		Credit:      decimal.Zero,
		Debit:       decimal.Zero,
		CreatedAt:   time.Now(),
	}

	if amount.IsPositive() {
		entry.Credit = amount
	} else if amount.IsNegative() {
		entry.Debit = amount.Abs()
	} else {
		return nil
	}

	return l.db.Create(entry).Error
}

// Transfer moves amount from one account to another as a balanced pair.
func (l *Ledger) Transfer(from string, fromType AccountType, to string, toType AccountType, amount decimal.Decimal) error {
	if err := l.Record(from, fromType, amount.Neg()); err != nil {
		return err
	}
	return l.Record(to, toType, amount)
}

func (l *Ledger) Balance(accountID string) (decimal.Decimal, error) {
	type result struct {
		Balance decimal.Decimal `gorm:"column:balance"`
	}
	var res result
	if err := l.db.Model(&Entry{}).
		Where("account_id = ? AND asset_symbol = ?", accountID, l.assetSymbol).
		Select("COALESCE(SUM(credit),0) - COALESCE(SUM(debit),0) AS balance").
		Scan(&res).Error; err != nil {
		return decimal.Zero, err
	}
	return res.Balance, nil
}

// TotalByType sums the balances of all accounts of a type.
func (l *Ledger) TotalByType(accountType AccountType) (decimal.Decimal, error) {
	type result struct {
		Balance decimal.Decimal `gorm:"column:balance"`
	}
	var res result
	if err := l.db.Model(&Entry{}).
		Where("account_type = ? AND asset_symbol = ?", accountType, l.assetSymbol).
		Select("COALESCE(SUM(credit),0) - COALESCE(SUM(debit),0) AS balance").
		Scan(&res).Error; err != nil {
		return decimal.Zero, err
	}
	return res.Balance, nil
}
