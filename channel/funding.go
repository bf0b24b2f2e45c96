package channel

import "github.com/ethereum/go-ethereum/common"

// FundingType identifies how a channel's outcome is backed.
type FundingType string

const (
	FundingDirect     FundingType = "Direct"
	FundingIndirect   FundingType = "Indirect"
	FundingVirtual    FundingType = "Virtual"
	FundingGuarantee  FundingType = "Guarantee"
	FundingGuarantees FundingType = "Guarantees"
)

// Funding records where a channel's funds come from. It is written at most
// once per channel.
type Funding struct {
	Type           FundingType    `json:"type"`
	LedgerID       common.Hash    `json:"ledgerId,omitempty"`
	JointChannelID common.Hash    `json:"jointChannelId,omitempty"`
	GuarantorID    common.Hash    `json:"guarantorChannelId,omitempty"`
	GuarantorIDs   [2]common.Hash `json:"guarantorChannelIds,omitempty"`
}

func DirectFunding() Funding {
	return Funding{Type: FundingDirect}
}

func IndirectFunding(ledgerID common.Hash) Funding {
	return Funding{Type: FundingIndirect, LedgerID: ledgerID}
}

func VirtualFunding(jointChannelID common.Hash) Funding {
	return Funding{Type: FundingVirtual, JointChannelID: jointChannelID}
}

func GuaranteeFunding(guarantorID common.Hash) Funding {
	return Funding{Type: FundingGuarantee, GuarantorID: guarantorID}
}

func GuaranteesFunding(first, second common.Hash) Funding {
	return Funding{Type: FundingGuarantees, GuarantorIDs: [2]common.Hash{first, second}}
}
