package chain

// AccountType classifies an account of the holdings ledger
type AccountType uint16

const (
	// Assets (1000-1999): funds paid out to a destination
	AssetDestination AccountType = 1000

	// Liabilities (2000-2999): funds the adjudicator holds for a channel
	LiabilityChannel AccountType = 2000

	// Equity (3000-3999): funds entering the simulated chain from outside
	EquityExternal AccountType = 3000
)

// externalAccount is the counter account of every deposit.
const externalAccount = "external"
